// Package taskqueue is a durable task queue on Pebble.
//
// Tasks carry a kind, a CBOR payload and delivery options (delay, attempts,
// fixed backoff, priority, timeout). Workers registered per kind claim ready
// tasks under a lease that a heartbeat renews while the handler runs. A
// sweeper redelivers tasks whose lease expired, so handlers must be safe to
// run more than once.
package taskqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"Bundler/internal/codec"
	"Bundler/internal/storage"
)

const (
	// defaultLease is how long a claim stays valid without a heartbeat.
	defaultLease = 30 * time.Second

	// defaultPollInterval is how often idle workers look for delayed tasks.
	defaultPollInterval = time.Second
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrUnrecoverable marks a handler error that must not be retried.
	ErrUnrecoverable = errors.New("unrecoverable")

	// ErrLeaseLost is returned when a worker finishes a task that was
	// redelivered to someone else.
	ErrLeaseLost = errors.New("task lease lost")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
)

// Unrecoverable wraps err so the queue fails the task without retrying.
func Unrecoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// State is the lifecycle position of a task.
type State int

const (
	StateDelayed State = iota + 1
	StateWaiting
	StateActive
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDelayed:
		return "delayed"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options control delivery of one task.
type Options struct {
	Delay    time.Duration `cbor:"delay"`    // Delay before the first delivery
	Attempts int           `cbor:"attempts"` // Attempts is the delivery budget, at least 1
	Backoff  time.Duration `cbor:"backoff"`  // Backoff is the fixed delay between attempts
	Priority int           `cbor:"priority"` // Priority: lower runs first among ready tasks
	Timeout  time.Duration `cbor:"timeout"`  // Timeout bounds one handler run, 0 for none
}

// Task is a queued unit of work.
type Task struct {
	ID           uint64    `cbor:"id"`
	Kind         string    `cbor:"kind"`
	Payload      []byte    `cbor:"payload"`
	Options      Options   `cbor:"options"`
	State        State     `cbor:"state"`
	AttemptsMade int       `cbor:"attempts_made"`
	ReadyAt      time.Time `cbor:"ready_at"`
	LeaseUntil   time.Time `cbor:"lease_until"`
	Token        uint64    `cbor:"token"` // Token identifies the current claim
	Result       string    `cbor:"result"`
	FailedReason string    `cbor:"failed_reason"`
	CreatedAt    time.Time `cbor:"created_at"`
	FinishedAt   time.Time `cbor:"finished_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	return codec.Unmarshal(t.Payload, v)
}

// Live reports whether the task may still run.
func (t *Task) Live() bool {
	return t.State != StateFailed && t.State != StateCompleted
}

// Config tunes a Queue.
type Config struct {
	Lease        time.Duration // Lease is the claim validity window
	PollInterval time.Duration // PollInterval is the idle worker wakeup period
}

// Queue is the durable task queue.
type Queue struct {
	db    *storage.Storage
	now   func() time.Time
	lease time.Duration
	poll  time.Duration

	hooksMu     sync.RWMutex
	onFailed    []func(t *Task, err error) // onFailed runs after a terminal failure
	onCompleted []func(t *Task)            // onCompleted runs after success

	notifyMu sync.Mutex
	notify   map[string]chan struct{} // notify wakes workers of a kind

	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Queue over db and starts the stall sweeper.
func New(db *storage.Storage, cfg Config) *Queue {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	q := &Queue{
		db:     db,
		now:    time.Now,
		lease:  cfg.Lease,
		poll:   cfg.PollInterval,
		notify: make(map[string]chan struct{}),
		stop:   make(chan struct{}),
	}

	q.wg.Add(1)
	go q.sweepLoop()

	return q
}

// Close stops every worker and the sweeper, waiting for running handlers.
func (q *Queue) Close() {
	q.notifyMu.Lock()
	if q.closed {
		q.notifyMu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.notifyMu.Unlock()

	q.wg.Wait()
}

// OnFailed registers a hook for tasks that failed terminally.
func (q *Queue) OnFailed(fn func(t *Task, err error)) {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()

	q.onFailed = append(q.onFailed, fn)
}

// OnCompleted registers a hook for tasks that succeeded.
func (q *Queue) OnCompleted(fn func(t *Task)) {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()

	q.onCompleted = append(q.onCompleted, fn)
}

// Enqueue stores a new task and returns its id.
func (q *Queue) Enqueue(kind string, payload any, opts Options) (uint64, error) {
	if q.stopping() {
		return 0, ErrClosed
	}

	data, err := codec.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload:\n%w", err)
	}

	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	now := q.now()
	t := &Task{
		Kind:      kind,
		Payload:   data,
		Options:   opts,
		State:     StateWaiting,
		ReadyAt:   now.Add(opts.Delay),
		CreatedAt: now,
	}
	if opts.Delay > 0 {
		t.State = StateDelayed
	}

	err = q.db.Update(func(txn *storage.Txn) error {
		id, err := nextTaskID(txn)
		if err != nil {
			return err
		}
		t.ID = id

		if err := putTask(txn, t); err != nil {
			return err
		}

		return txn.Set(readyKey(t), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s:\n%w", kind, err)
	}

	q.wake(kind)

	return t.ID, nil
}

// Task returns a task by id.
func (q *Queue) Task(id uint64) (*Task, error) {
	return getTask(q.db, id)
}

// State returns the state of a task.
func (q *Queue) State(id uint64) (State, error) {
	t, err := getTask(q.db, id)
	if err != nil {
		return 0, err
	}

	return t.State, nil
}

// Log appends a progress line to a task's log.
func (q *Queue) Log(id uint64, msg string) error {
	return q.db.Update(func(txn *storage.Txn) error {
		n := 0
		err := txn.IteratePrefix(logPrefix(id), func(_, _ []byte) error {
			n++
			return nil
		})
		if err != nil {
			return err
		}

		line := q.now().UTC().Format(time.RFC3339) + " " + msg

		return txn.Set(logKey(id, uint32(n)), []byte(line))
	})
}

// Logs returns a task's log lines in order.
func (q *Queue) Logs(id uint64) ([]string, error) {
	var lines []string

	err := q.db.IteratePrefix(logPrefix(id), func(_, value []byte) error {
		lines = append(lines, string(value))
		return nil
	})

	return lines, err
}

// Counts returns the number of tasks per state for a kind.
func (q *Queue) Counts(kind string) (map[State]int, error) {
	counts := make(map[State]int)

	err := q.db.IteratePrefix(prefixTask, func(_, value []byte) error {
		var t Task
		if err := codec.Unmarshal(value, &t); err != nil {
			return err
		}
		if t.Kind == kind {
			counts[t.State]++
		}
		return nil
	})

	return counts, err
}

// RemoveFinished deletes completed and failed tasks, with their logs,
// that finished before cutoff.
func (q *Queue) RemoveFinished(cutoff time.Time) (int, error) {
	removed := 0

	err := q.db.Update(func(txn *storage.Txn) error {
		var ids []uint64

		err := txn.IteratePrefix(prefixTask, func(_, value []byte) error {
			var t Task
			if err := codec.Unmarshal(value, &t); err != nil {
				return err
			}
			if !t.Live() && t.FinishedAt.Before(cutoff) {
				ids = append(ids, t.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			var logs [][]byte
			err := txn.IteratePrefix(logPrefix(id), func(key, _ []byte) error {
				logs = append(logs, append([]byte{}, key...))
				return nil
			})
			if err != nil {
				return err
			}

			for _, key := range logs {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}

			if err := txn.Delete(taskKey(id)); err != nil {
				return err
			}
		}

		removed = len(ids)

		return nil
	})

	return removed, err
}

// wake nudges idle workers of kind.
func (q *Queue) wake(kind string) {
	select {
	case q.notifyChan(kind) <- struct{}{}:
	default:
	}
}

// notifyChan returns the wakeup channel of kind.
func (q *Queue) notifyChan(kind string) chan struct{} {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	ch, ok := q.notify[kind]
	if !ok {
		ch = make(chan struct{}, 1)
		q.notify[kind] = ch
	}

	return ch
}

// nextTaskID increments and returns the task sequence.
func nextTaskID(txn *storage.Txn) (uint64, error) {
	data, err := txn.Get(keyTaskSeq)
	if err != nil {
		return 0, err
	}

	var last uint64
	if len(data) == 8 {
		last = binary.BigEndian.Uint64(data)
	}

	next := last + 1
	if err := txn.Set(keyTaskSeq, binary.BigEndian.AppendUint64(nil, next)); err != nil {
		return 0, err
	}

	return next, nil
}

// getTask loads a task record.
func getTask(r storage.Reader, id uint64) (*Task, error) {
	data, err := r.Get(taskKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}

	var t Task
	if err := codec.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %d:\n%w", id, err)
	}

	return &t, nil
}

// putTask stores a task record.
func putTask(txn *storage.Txn, t *Task) error {
	data, err := codec.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %d:\n%w", t.ID, err)
	}

	return txn.Set(taskKey(t.ID), data)
}
