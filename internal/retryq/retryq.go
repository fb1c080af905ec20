// Package retryq schedules re-processing of location writes that failed
// validation-adjacent persistence. Records live in the cache layer under
// explicit index keys; deliveries are at-least-once and the ingest pipeline
// is idempotent for replays.
package retryq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/netutil"
)

const (
	baseDelay   = time.Second
	maxDelay    = 10 * time.Second
	maxAttempts = 3

	// retentionBuffer keeps a scheduled payload alive well past its due time
	// so the minute-cadence drain always finds it.
	retentionBuffer = 5 * time.Minute
	countTTL        = time.Hour
	deadTTL         = 24 * time.Hour

	retryKeyPrefix = "retry:location:"
	retryIndexKey  = "retry:location:keys"
	deadKeyPrefix  = "dead:location:"
)

// Record is one failed location write awaiting retry.
type Record struct {
	UserID     string          `json:"userId"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Attempt    int             `json:"attempt"`
	FailedAtMs int64           `json:"failedAt"`
	DueAtMs    int64           `json:"dueAt"`
}

// Queue is the bounded-backoff retry scheduler.
type Queue struct {
	cache   *cache.Cache
	backoff netutil.Backoff

	// mu serializes read-modify-write cycles on the JSON index keys.
	mu  sync.Mutex
	now func() time.Time
}

// New builds a Queue on top of the shared cache.
func New(c *cache.Cache) *Queue {
	return &Queue{
		cache:   c,
		backoff: netutil.Backoff{Base: baseDelay, Max: maxDelay},
		now:     time.Now,
	}
}

// Enqueue records a failed write for userID. It returns the attempt number
// just consumed and whether the payload was dead-lettered instead of
// rescheduled.
func (q *Queue) Enqueue(ctx context.Context, userID string, payload json.RawMessage, cause error) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	attempt := q.readCount(ctx, userID) + 1
	if attempt > maxAttempts {
		q.deadLetter(ctx, userID, payload, cause)
		return maxAttempts, true
	}

	now := q.now()
	delay := q.backoff.Delay(attempt - 1)
	rec := Record{
		UserID:     userID,
		Payload:    payload,
		Attempt:    attempt,
		FailedAtMs: now.UnixMilli(),
		DueAtMs:    now.Add(delay).UnixMilli(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	key := retryKey(userID)
	q.cache.Set(ctx, countKey(userID), strconv.Itoa(attempt), countTTL)
	q.cache.Set(ctx, key, mustJSON(rec), delay+retentionBuffer)
	q.appendIndex(ctx, retryIndexKey, key)
	return attempt, false
}

// Drain hands every due payload to process, then removes it. A payload whose
// re-processing fails again is expected to come back through Enqueue. Missing
// payloads are pruned from the index. Returns (processed, pruned).
func (q *Queue) Drain(ctx context.Context, process func(ctx context.Context, rec Record) error) (int, int) {
	keys := q.readIndex(ctx, retryIndexKey)
	processed, pruned := 0, 0
	nowMs := q.now().UnixMilli()

	for _, key := range keys {
		raw, ok := q.cache.Get(ctx, key)
		if !ok {
			q.removeIndex(ctx, retryIndexKey, key)
			pruned++
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.cache.Delete(ctx, key)
			q.removeIndex(ctx, retryIndexKey, key)
			pruned++
			continue
		}
		if rec.DueAtMs > nowMs {
			continue
		}

		err := process(ctx, rec)

		q.cache.Delete(ctx, key)
		q.removeIndex(ctx, retryIndexKey, key)
		if err == nil {
			q.cache.Delete(ctx, countKey(rec.UserID))
		}
		processed++
	}
	return processed, pruned
}

// Failed returns the user's pending retry record (if any) followed by their
// dead-lettered payloads, newest last.
func (q *Queue) Failed(ctx context.Context, userID string) []Record {
	var out []Record
	if raw, ok := q.cache.Get(ctx, retryKey(userID)); ok {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			out = append(out, rec)
		}
	}
	for _, key := range q.readIndex(ctx, deadIndexKey(userID)) {
		raw, ok := q.cache.Get(ctx, key)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

// deadLetter moves the payload to the dead partition and clears the counter.
// Caller holds q.mu.
func (q *Queue) deadLetter(ctx context.Context, userID string, payload json.RawMessage, cause error) {
	now := q.now()
	rec := Record{
		UserID:     userID,
		Payload:    payload,
		Attempt:    maxAttempts,
		FailedAtMs: now.UnixMilli(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	deadKey := fmt.Sprintf("%s%s:%d", deadKeyPrefix, userID, now.UnixMilli())
	q.cache.Set(ctx, deadKey, mustJSON(rec), deadTTL)
	q.appendIndex(ctx, deadIndexKey(userID), deadKey)

	q.cache.Delete(ctx, retryKey(userID), countKey(userID))
	q.removeIndexLocked(ctx, retryIndexKey, retryKey(userID))
}

func (q *Queue) readCount(ctx context.Context, userID string) int {
	raw, ok := q.cache.Get(ctx, countKey(userID))
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// --- index maintenance ---

func (q *Queue) readIndex(ctx context.Context, indexKey string) []string {
	raw, ok := q.cache.Get(ctx, indexKey)
	if !ok {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil
	}
	return keys
}

// appendIndex adds key to the JSON-array index if absent. Caller holds q.mu.
func (q *Queue) appendIndex(ctx context.Context, indexKey, key string) {
	keys := q.readIndex(ctx, indexKey)
	for _, k := range keys {
		if k == key {
			return
		}
	}
	keys = append(keys, key)
	q.cache.Set(ctx, indexKey, mustJSON(keys), deadTTL)
}

func (q *Queue) removeIndex(ctx context.Context, indexKey, key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeIndexLocked(ctx, indexKey, key)
}

func (q *Queue) removeIndexLocked(ctx context.Context, indexKey, key string) {
	keys := q.readIndex(ctx, indexKey)
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		q.cache.Delete(ctx, indexKey)
		return
	}
	q.cache.Set(ctx, indexKey, mustJSON(out), deadTTL)
}

func retryKey(userID string) string {
	return retryKeyPrefix + userID
}

func countKey(userID string) string {
	return retryKeyPrefix + userID + ":count"
}

func deadIndexKey(userID string) string {
	return deadKeyPrefix + userID + ":keys"
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic("retryq: marshal: " + err.Error())
	}
	return string(data)
}
