// Package recorder is an optional flight recorder that stores telemetry,
// sent commands and link state changes in sqlite, one session per run.
// Writes are queued and applied by a background goroutine; when the queue
// is full records are dropped so the link workers never wait on disk.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/aimlink/internal/control"
	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/fsutil"
	"github.com/banshee-data/aimlink/internal/link"
	"github.com/banshee-data/aimlink/internal/monitoring"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("recorder: closed")

// DefaultQueueSize is the number of records buffered before dropping.
const DefaultQueueSize = 4096

// maxBatch bounds the number of records written per transaction.
const maxBatch = 256

// Options configures a Recorder.
type Options struct {
	QueueSize int
	// Variant and Device describe the session.
	Variant string
	Device  string
}

// Recorder writes link activity to a sqlite database.
type Recorder struct {
	db      *sql.DB
	path    string
	session string

	mu     sync.RWMutex // guards queue against send-after-close
	closed bool
	queue  chan record
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	errLog  *monitoring.Sampler
}

var _ control.Recorder = (*Recorder)(nil)

type recordKind int

const (
	kindTelemetry recordKind = iota
	kindCommand
	kindTransition
	kindBarrier
)

type record struct {
	kind       recordKind
	at         time.Time
	telemetry  control.Telemetry
	command    frame.CommandFrame
	transition link.Transition
	ack        chan struct{}
}

// Open opens (creating if needed) the database at path, applies migrations
// and starts a new session.
func Open(path string, opts Options) (*Recorder, error) {
	if err := (fsutil.OSFileSystem{}).MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recorder directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	session := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, variant, device) VALUES (?, ?, ?, ?)`,
		session, unixSeconds(time.Now()), opts.Variant, opts.Device,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	r := &Recorder{
		db:      db,
		path:    path,
		session: session,
		queue:   make(chan record, size),
		done:    make(chan struct{}),
		errLog:  monitoring.NewSampler(100),
	}
	go r.run()
	monitoring.Logf("recorder: session %s recording to %s", session, path)
	return r, nil
}

// Session returns the current session ID.
func (r *Recorder) Session() string { return r.session }

// DB returns the underlying database handle.
func (r *Recorder) DB() *sql.DB { return r.db }

// Written returns the number of records stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns the number of records discarded because the queue was
// full or the recorder was closed.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) RecordTelemetry(t control.Telemetry) {
	r.enqueue(record{kind: kindTelemetry, at: t.At, telemetry: t})
}

func (r *Recorder) RecordCommand(at time.Time, cmd frame.CommandFrame) {
	r.enqueue(record{kind: kindCommand, at: at, command: cmd})
}

func (r *Recorder) RecordTransition(t link.Transition) {
	r.enqueue(record{kind: kindTransition, at: t.At, transition: t})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Sync waits until every record queued before the call has been written.
func (r *Recorder) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	select {
	case r.queue <- record{kind: kindBarrier, ack: ack}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued records, ends the session and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	_, err := r.db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, unixSeconds(time.Now()), r.session)
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]record, 0, maxBatch)
	for rec := range r.queue {
		batch = append(batch[:0], rec)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		r.flush(batch)
	}
}

// flush writes batch in one transaction and then releases any barriers.
func (r *Recorder) flush(batch []record) {
	n, err := r.writeBatch(batch)
	if err != nil {
		r.dropped.Add(uint64(n))
		r.errLog.Logf("recorder: write failed: %v (count=%d)", err)
	} else {
		r.written.Add(uint64(n))
	}
	for _, rec := range batch {
		if rec.kind == kindBarrier {
			close(rec.ack)
		}
	}
}

func (r *Recorder) writeBatch(batch []record) (int, error) {
	n := 0
	for _, rec := range batch {
		if rec.kind != kindBarrier {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return n, err
	}
	defer tx.Rollback()

	for _, rec := range batch {
		if err := r.insert(tx, rec); err != nil {
			return n, err
		}
	}
	return n, tx.Commit()
}

func (r *Recorder) insert(tx *sql.Tx, rec record) error {
	at := unixSeconds(rec.at)
	switch rec.kind {
	case kindTelemetry:
		st := rec.telemetry.State
		_, err := tx.Exec(
			`INSERT INTO telemetry (session_id, received_at, yaw, pitch, state, autoaim, enemy_color, exhausted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.session, at, st.Yaw, st.Pitch, st.State, st.Autoaim, st.EnemyColor, rec.telemetry.Exhausted,
		)
		return err
	case kindCommand:
		c := rec.command
		_, err := tx.Exec(
			`INSERT INTO commands (session_id, sent_at, yaw, pitch, fire, target_id, avg_speed, aux)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.session, at, c.Yaw, c.Pitch, c.Fire, c.TargetID, c.AvgSpeed, c.Aux,
		)
		return err
	case kindTransition:
		t := rec.transition
		var errText sql.NullString
		if t.Err != nil {
			errText = sql.NullString{String: t.Err.Error(), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO link_events (session_id, at, from_state, to_state, path, error) VALUES (?, ?, ?, ?, ?, ?)`,
			r.session, at, t.From.String(), t.To.String(), t.Path, errText,
		)
		return err
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}
