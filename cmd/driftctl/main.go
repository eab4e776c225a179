// Command driftctl is driftkit's operator CLI: a thin wrapper around
// apiclient for inspecting and mutating a running server directly,
// without going through a client engine's outbox. The root command takes
// persistent flags shared by every subcommand, grouped under resource
// nouns, each opening its own short-lived client connection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftkit/driftkit/internal/client/apiclient"
	"github.com/driftkit/driftkit/internal/crdt"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "driftctl",
	Short: "Operate a driftkit replication server",
	Long: `driftctl talks to a driftkit server's REST API directly: inspect
a collection's materialized state, insert/update/remove documents by
hand, and trigger maintenance operations on demand.`,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "driftkit server base URL")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(protocolCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: jsonOut})
}

func newClient(cmd *cobra.Command) *apiclient.Client {
	server, _ := cmd.Flags().GetString("server")
	return apiclient.New(server, nil)
}

// parseFields turns repeated --field key=value flags into a materialized
// document, decoding JSON scalars/objects where the value parses as JSON
// and falling back to a plain string otherwise.
func parseFields(raw []string) (map[string]any, error) {
	fields := make(map[string]any, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --field %q, want key=value", kv)
		}
		key, value := parts[0], parts[1]
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		fields[key] = decoded
	}
	return fields, nil
}

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Inspect and mutate documents directly",
}

var docGetCmd = &cobra.Command{
	Use:   "get COLLECTION DOCUMENT_ID",
	Short: "Print a document's current materialized fields",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collectionName, documentID := args[0], args[1]
		client := newClient(cmd)
		ctx := context.Background()

		state, ok, err := client.GetInitialState(ctx, collectionName)
		if err != nil {
			return fmt.Errorf("fetch initial state: %w", err)
		}
		if !ok {
			fmt.Println("collection has no state yet")
			return nil
		}

		clientID, err := crdt.RandomClientID()
		if err != nil {
			return fmt.Errorf("generate client id: %w", err)
		}
		doc := crdt.NewDocument(collectionName, clientID)
		if err := doc.ApplyUpdate(ctx, state.CRDTBytes, crdt.OriginSubscription); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}

		fields, ok := doc.Get(documentID)
		if !ok {
			fmt.Println("document not found (or deleted)")
			return nil
		}
		return printJSON(fields)
	},
}

var docInsertCmd = &cobra.Command{
	Use:   "insert COLLECTION DOCUMENT_ID",
	Short: "Insert a new document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return docMutate(cmd, args[0], args[1], crdt.MutationInsert)
	},
}

var docUpdateCmd = &cobra.Command{
	Use:   "update COLLECTION DOCUMENT_ID",
	Short: "Apply a partial field update to an existing document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return docMutate(cmd, args[0], args[1], crdt.MutationUpdate)
	},
}

var docRemoveCmd = &cobra.Command{
	Use:   "remove COLLECTION DOCUMENT_ID",
	Short: "Tombstone a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return docMutate(cmd, args[0], args[1], crdt.MutationDelete)
	},
}

func docMutate(cmd *cobra.Command, collectionName, documentID string, kind crdt.MutationKind) error {
	rawFields, _ := cmd.Flags().GetStringSlice("field")
	fields, err := parseFields(rawFields)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client := newClient(cmd)

	// Each invocation is a short-lived, unrelated CRDT actor: a fresh
	// random client ID avoids colliding (clientID, counter) pairs with
	// any previous driftctl run against the same document.
	clientID, err := crdt.RandomClientID()
	if err != nil {
		return fmt.Errorf("generate client id: %w", err)
	}
	doc := crdt.NewDocument(collectionName, clientID)

	crdtBytes, err := doc.EncodeMutation(documentID, kind, fields)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}

	var result *model.MutationResult
	switch kind {
	case crdt.MutationInsert:
		result, err = client.Insert(ctx, collectionName, documentID, crdtBytes, fields, 0, 0)
	case crdt.MutationUpdate:
		result, err = client.Update(ctx, collectionName, documentID, crdtBytes, fields, 0, 0)
	default:
		result, err = client.Remove(ctx, collectionName, documentID, crdtBytes, fields, 0, 0)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}

	fmt.Printf("ok: %s/%s at version %d (timestamp %d)\n",
		result.Metadata.Collection, result.Metadata.DocumentID, result.Metadata.Version, result.Metadata.Timestamp)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{docInsertCmd, docUpdateCmd} {
		c.Flags().StringSlice("field", nil, "a field to set, as key=value (repeatable); value is parsed as JSON when possible")
	}

	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docInsertCmd)
	docCmd.AddCommand(docUpdateCmd)
	docCmd.AddCommand(docRemoveCmd)
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Trigger collection maintenance",
}

var collectionCompactCmd = &cobra.Command{
	Use:   "compact COLLECTION",
	Short: "Merge a collection's deltas into a fresh snapshot now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).Compact(context.Background(), args[0]); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		fmt.Printf("compacted %s\n", args[0])
		return nil
	},
}

var collectionPruneCmd = &cobra.Command{
	Use:   "prune COLLECTION",
	Short: "Delete snapshots past their retention window now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := newClient(cmd).Prune(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Printf("pruned %s: %d snapshot(s) deleted\n", args[0], deleted)
		return nil
	},
}

func init() {
	collectionCmd.AddCommand(collectionCompactCmd)
	collectionCmd.AddCommand(collectionPruneCmd)
}

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Inspect protocol negotiation",
}

var protocolVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server's current protocol version",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := newClient(cmd).GetProtocolVersion(context.Background())
		if err != nil {
			return fmt.Errorf("getProtocolVersion: %w", err)
		}
		fmt.Println(version)
		return nil
	},
}

func init() {
	protocolCmd.AddCommand(protocolVersionCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
