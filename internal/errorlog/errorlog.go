// Package errorlog provides the async structured error sink. Log performs a
// non-blocking channel send; a background goroutine flushes batches to the
// error_logs table. When the database itself is failing, entries fall back
// to the console so the signal is never fully lost.
package errorlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/crewtrack/crewtrack/internal/model"
)

// Event is one error report. Metadata is marshalled to JSON at enqueue time
// so the caller's map can be reused.
type Event struct {
	Service  string
	Type     string
	Message  string
	UserID   string
	Metadata map[string]any
	Stack    string
}

// Sink buffers error events and flushes them in batches.
type Sink struct {
	store     Store
	queue     chan model.ErrorLogEntry
	batchSize int
	interval  time.Duration
	now       func() time.Time

	// Per-hash counters suppress repeat storms inside dedupeWindow.
	dedupe       *xsync.Map[uint64, *dedupeState]
	dedupeWindow time.Duration
	dedupeLimit  int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Store is the persistence surface the sink needs.
type Store interface {
	InsertErrorLogs(entries []model.ErrorLogEntry) error
}

type dedupeState struct {
	windowStart time.Time
	count       int
	suppressed  int
}

// Config configures the sink. Zero values take the documented defaults.
type Config struct {
	Store         Store
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	DedupeWindow  time.Duration
	DedupeLimit   int
	Now           func() time.Time
}

// New creates a sink. Start must be called before entries are flushed.
func New(cfg Config) *Sink {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 512
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	window := cfg.DedupeWindow
	if window <= 0 {
		window = time.Minute
	}
	limit := cfg.DedupeLimit
	if limit <= 0 {
		limit = 5
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sink{
		store:        cfg.Store,
		queue:        make(chan model.ErrorLogEntry, queueSize),
		batchSize:    batchSize,
		interval:     interval,
		now:          now,
		dedupe:       xsync.NewMap[uint64, *dedupeState](),
		dedupeWindow: window,
		dedupeLimit:  limit,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining entries, and returns.
func (s *Sink) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Log enqueues an error event. Non-blocking; a full queue falls back to the
// console. Repeats of the same (service, type, message) beyond the dedupe
// limit inside the window are counted and dropped.
func (s *Sink) Log(ev Event) {
	hash := xxh3.HashString(ev.Service + "|" + ev.Type + "|" + ev.Message)
	if !s.admit(hash) {
		return
	}

	metadata := "{}"
	if len(ev.Metadata) > 0 {
		if data, err := json.Marshal(ev.Metadata); err == nil {
			metadata = string(data)
		}
	}

	entry := model.ErrorLogEntry{
		ID:           uuid.NewString(),
		Service:      ev.Service,
		ErrorType:    ev.Type,
		Message:      ev.Message,
		UserID:       ev.UserID,
		MetadataJSON: metadata,
		Stack:        ev.Stack,
		DedupeHash:   fmt.Sprintf("%016x", hash),
		OccurredAtMs: s.now().UnixMilli(),
	}

	select {
	case s.queue <- entry:
	default:
		// Queue full: print rather than block or silently lose the report.
		log.Printf("[errorlog] queue full, console fallback: service=%s type=%s msg=%s", ev.Service, ev.Type, ev.Message)
	}
}

// Logf is a convenience for sites without metadata.
func (s *Sink) Logf(service, errType, userID, format string, args ...any) {
	s.Log(Event{Service: service, Type: errType, UserID: userID, Message: fmt.Sprintf(format, args...)})
}

// admit applies per-hash suppression. The first limit events in a window
// pass; the rest are counted and reported once when the window rolls over.
func (s *Sink) admit(hash uint64) bool {
	now := s.now()
	admitted := false
	s.dedupe.Compute(hash, func(old *dedupeState, loaded bool) (*dedupeState, xsync.ComputeOp) {
		if !loaded || now.Sub(old.windowStart) > s.dedupeWindow {
			if loaded && old.suppressed > 0 {
				log.Printf("[errorlog] suppressed %d repeats of %016x in last window", old.suppressed, hash)
			}
			admitted = true
			return &dedupeState{windowStart: now, count: 1}, xsync.UpdateOp
		}
		if old.count < s.dedupeLimit {
			old.count++
			admitted = true
		} else {
			old.suppressed++
		}
		return old, xsync.UpdateOp
	})
	return admitted
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()

	batch := make([]model.ErrorLogEntry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Sink) drainAndFlush(batch []model.ErrorLogEntry) {
	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Sink) flush(entries []model.ErrorLogEntry) {
	if err := s.store.InsertErrorLogs(entries); err != nil {
		log.Printf("[errorlog] flush %d entries failed: %v", len(entries), err)
		for _, e := range entries {
			log.Printf("[errorlog] lost: service=%s type=%s msg=%s user=%s", e.Service, e.ErrorType, e.Message, e.UserID)
		}
	}
}

// NoisyNetwork reports whether err is a recoverable transport failure
// (reset, timeout, broken pipe, refused) that should not escalate retries.
func NoisyNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"connection reset", "broken pipe", "connection refused", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
