package config

import (
	"reflect"
	"testing"
)

func TestGetEnvListSplitsAndTrimsCommaSeparatedValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"unset falls back to default", "", []string{"fallback"}},
		{"single value", "todos", []string{"todos"}},
		{"multiple values trimmed", " todos , notes ,events", []string{"todos", "notes", "events"}},
		{"blank entries dropped", "todos,,notes", []string{"todos", "notes"}},
		{"all blank falls back to default", " , ", []string{"fallback"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value == "" {
				t.Setenv("DRIFTKIT_TEST_LIST", "")
			} else {
				t.Setenv("DRIFTKIT_TEST_LIST", tt.value)
			}
			got := getEnvList("DRIFTKIT_TEST_LIST", []string{"fallback"})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("getEnvList(%q) = %#v, want %#v", tt.value, got, tt.want)
			}
		})
	}
}

func TestLoadServerDefaultsCollectionsWhenUnset(t *testing.T) {
	cfg := LoadServer()
	if len(cfg.Collections) == 0 {
		t.Fatal("expected a non-empty default collection list")
	}
}
