// Package devclass classifies the running process into a coarse device
// class so other client packages (chiefly internal/client/ingest) can
// pick resource-appropriate defaults without a server round trip, deriving
// a default from the runtime environment instead of requiring every
// caller to supply one explicitly.
package devclass

import "runtime"

// Class is a coarse classification of the host running the client.
type Class string

const (
	// ClassLowEnd is a resource-constrained host: few CPUs, conservative
	// throttling.
	ClassLowEnd Class = "low-end"
	// ClassMobile is a mid-tier host, e.g. a mobile device or a small VM.
	ClassMobile Class = "mobile"
	// ClassDesktop is a well-resourced host: a developer machine or a
	// full server, the least conservative throttle.
	ClassDesktop Class = "desktop"
)

// DefaultDeltaRate is the ingestor's default token-bucket rate (deltas
// per second) for each Class, scaled to each class's expected headroom.
var DefaultDeltaRate = map[Class]float64{
	ClassLowEnd:  20,
	ClassMobile:  50,
	ClassDesktop: 100,
}

// Detect classifies the current process using runtime.NumCPU as a proxy
// for available resources. Callers that know their device class from a
// more authoritative source (e.g. a mobile SDK bridge) should bypass
// this and set the class explicitly instead of calling Detect.
func Detect() Class {
	switch cpus := runtime.NumCPU(); {
	case cpus <= 1:
		return ClassLowEnd
	case cpus <= 4:
		return ClassMobile
	default:
		return ClassDesktop
	}
}

// Rate returns the default ingestor delta rate for class.
func Rate(class Class) float64 {
	if rate, ok := DefaultDeltaRate[class]; ok {
		return rate
	}
	return DefaultDeltaRate[ClassDesktop]
}
