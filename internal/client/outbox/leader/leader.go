// Package leader implements the outbox's cross-process leader election:
// exactly one process instance drains the offline queue at a time. An
// exclusive advisory lock on a well-known file arbitrates ownership; the
// leader also writes a heartbeat record to the shared bbolt store, and a
// would-be leader that finds that record stale logs it. Leadership itself
// only changes hands through the file lock: a stale heartbeat does not
// let another instance take over a lock that is still held. Run renews
// the heartbeat on a ticker until its context is cancelled or Stop is
// called.
package leader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/kvstore"
	"github.com/driftkit/driftkit/internal/logging"
)

var log = logging.Component("outbox-leader")

const (
	heartbeatBucket = "outbox_leader"
	heartbeatKey    = "heartbeat"
	// tickInterval governs both how often the leader renews its
	// heartbeat and how often a non-leader retries lock acquisition.
	tickInterval    = 200 * time.Millisecond
	heartbeatExpiry = 3 * tickInterval
)

// Callback is invoked whenever this process's leadership status changes.
// true means this process just became the leader and should begin
// draining the outbox; false means it lost (or never acquired)
// leadership and should stop.
type Callback func(isLeader bool)

// Elector arbitrates outbox leadership across process instances sharing
// the same durable store and lock file path.
type Elector struct {
	lockPath string
	kv       kvstore.Store
	callback Callback

	mu       sync.Mutex
	lock     *flock.Flock
	isLeader bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs an Elector. lockPath must be a filesystem path shared
// by every process instance of this client installation (e.g. alongside
// the bbolt database file).
func New(lockPath string, kv kvstore.Store, callback Callback) *Elector {
	return &Elector{lockPath: lockPath, kv: kv, callback: callback}
}

// Run attempts to acquire leadership and, once held, renews a heartbeat
// record until ctx is cancelled or Stop is called. It blocks until ctx
// is done, retrying acquisition on a short interval while it does not
// hold the lock.
func (e *Elector) Run(ctx context.Context) error {
	lock := flock.New(e.lockPath)

	e.mu.Lock()
	e.lock = lock
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	defer close(e.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	e.tryAcquire(lock)

	for {
		select {
		case <-runCtx.Done():
			e.releaseLocked()
			return runCtx.Err()
		case <-ticker.C:
			if e.isLeaderNow() {
				if err := e.renewHeartbeat(); err != nil {
					log.Warn().Err(err).Msg("failed to renew leadership heartbeat, releasing")
					e.releaseLocked()
					continue
				}
				continue
			}
			e.tryAcquire(lock)
		}
	}
}

// IsLeader reports whether this process instance currently holds
// leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Stop releases leadership (if held) and stops the heartbeat loop.
func (e *Elector) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Elector) isLeaderNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) tryAcquire(lock *flock.Flock) {
	locked, err := lock.TryLock()
	if err != nil || !locked {
		e.checkExpiredHeartbeat(lock)
		return
	}
	if err := e.renewHeartbeat(); err != nil {
		lock.Unlock()
		log.Warn().Err(err).Msg("acquired lock but failed to write heartbeat")
		return
	}

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()
	log.Info().Msg("acquired outbox leadership")
	e.callback(true)
}

// checkExpiredHeartbeat detects a leader that stopped renewing its
// heartbeat without releasing its OS-level lock and logs a warning.
// It does not break the lock: this instance keeps retrying acquisition
// on the next tick, which succeeds only once the lock is free.
func (e *Elector) checkExpiredHeartbeat(lock *flock.Flock) {
	data, ok, err := e.kv.Get(heartbeatBucket, heartbeatKey)
	if err != nil || !ok {
		return
	}
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return
	}
	if time.Since(hb.At) > heartbeatExpiry {
		log.Warn().Msg("previous leader heartbeat expired, retrying lock acquisition")
	}
}

func (e *Elector) renewHeartbeat() error {
	data, err := json.Marshal(heartbeat{At: time.Now()})
	if err != nil {
		return errs.New(errs.KindStorage, "encode leader heartbeat", err)
	}
	if err := e.kv.Put(heartbeatBucket, heartbeatKey, data); err != nil {
		return errs.New(errs.KindStorage, "persist leader heartbeat", err)
	}
	return nil
}

func (e *Elector) releaseLocked() {
	e.mu.Lock()
	wasLeader := e.isLeader
	lock := e.lock
	e.isLeader = false
	e.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
	if wasLeader {
		log.Info().Msg("released outbox leadership")
		e.callback(false)
	}
}

type heartbeat struct {
	At time.Time `json:"at"`
}
