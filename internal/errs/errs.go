// Package errs collects the error taxonomy shared across driftkit's
// server and client packages. Every error implements Retriable() so
// callers (the outbox drain loop, the stream ingestor) can classify
// failures generically instead of switching on concrete types.
package errs

import "fmt"

// Kind identifies which row of the taxonomy an error belongs to.
type Kind string

const (
	KindNetwork              Kind = "NetworkError"
	KindSubscription         Kind = "SubscriptionError"
	KindReconnection         Kind = "ReconnectionError"
	KindConnectionTimeout    Kind = "ConnectionTimeoutError"
	KindCRDTApplication      Kind = "CRDTApplicationError"
	KindCRDTEncoding         Kind = "CRDTEncodingError"
	KindDeltaValidation      Kind = "DeltaValidationError"
	KindSnapshot             Kind = "SnapshotError"
	KindSnapshotValidation   Kind = "SnapshotValidationError"
	KindCorruptDelta         Kind = "CorruptDeltaError"
	KindGapWithoutSnapshot   Kind = "GapWithoutSnapshotError"
	KindStorage              Kind = "StorageError"
	KindCheckpoint           Kind = "CheckpointError"
	KindProtocolVersion      Kind = "ProtocolVersionError"
	KindMigration            Kind = "MigrationError"
	KindProtocolInit         Kind = "ProtocolInitializationError"
	KindAuth                 Kind = "AuthError"
	KindValidation           Kind = "ValidationError"
	KindServerMutation       Kind = "ServerMutationError"
	KindVersionConflict      Kind = "VersionConflictError"
	KindReplicationTimeout   Kind = "ReplicationBarrierTimeout"
	KindTabCoordination      Kind = "TabCoordinationError"
)

var retriableByDefault = map[Kind]bool{
	KindNetwork:            true,
	KindSubscription:       true,
	KindReconnection:       true,
	KindConnectionTimeout:  true,
	KindStorage:            true,
	KindGapWithoutSnapshot: false,
	KindCRDTApplication:    false,
	KindCRDTEncoding:       false,
	KindDeltaValidation:    false,
	KindCorruptDelta:       false,
	KindSnapshotValidation: false,
	KindCheckpoint:         false,
	KindMigration:          false,
	KindProtocolInit:       false,
	KindAuth:               false,
	KindValidation:         false,
	KindServerMutation:     true,
	KindVersionConflict:    false,
	KindReplicationTimeout: true,
	KindTabCoordination:    false,
}

// Error is the concrete error type used throughout driftkit.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	retriable *bool // overrides the kind default when set
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the caller should retry the operation that
// produced this error.
func (e *Error) Retriable() bool {
	if e.retriable != nil {
		return *e.retriable
	}
	return retriableByDefault[e.Kind]
}

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewWithRetriable constructs an Error overriding the kind's default
// retriability (used for ProtocolVersionError, which is retriable iff
// canMigrate).
func NewWithRetriable(kind Kind, message string, cause error, retriable bool) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, retriable: &retriable}
}

// Retriable reports whether err carries retriable semantics, defaulting to
// false for errors outside this taxonomy.
func Retriable(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Retriable()
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
