// Package cache provides the shared key/value layer: a remote Redis store
// fronted by an in-process TTL cache that takes over whenever Redis is
// unreachable. Callers never see a cache failure; at worst they read
// process-local state.
package cache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/redis/go-redis/v9"

	"github.com/crewtrack/crewtrack/internal/netutil"
)

// Mode is the connectivity state of the layer.
type Mode int32

const (
	// ModeConnected serves reads and writes from Redis, mirroring writes locally.
	ModeConnected Mode = iota
	// ModeReconnecting serves from the local cache while the monitor runs a
	// backoff episode against Redis.
	ModeReconnecting
	// ModeFallback serves from the local cache after a reconnect episode
	// exhausted its attempts. Writes made in this mode are not replayed.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeConnected:
		return "connected"
	case ModeReconnecting:
		return "reconnecting"
	case ModeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

const (
	defaultReconnectBase       = time.Second
	defaultReconnectMax        = 30 * time.Second
	defaultMaxReconnectAttempt = 10
	defaultLocalMaxEntries     = 100_000
	pingTimeout                = 2 * time.Second

	// Health probes run at a jittered cadence so instances sharing a Redis
	// do not ping in lockstep.
	defaultProbeInterval = 5 * time.Second
	defaultProbeJitter   = 2 * time.Second

	// defaultTTL bounds entries written without an explicit TTL so the local
	// mirror cannot pin them forever.
	defaultTTL = 24 * time.Hour
)

// Events carries optional callbacks fired on connectivity changes. Callbacks
// may be invoked from the monitor goroutine or from any caller goroutine and
// must be safe for concurrent use.
type Events struct {
	OnReady        func()
	OnError        func(err error)
	OnReconnecting func(attempt int, delay time.Duration)
	OnFallback     func()
	OnClose        func()
}

// Options configures a Cache. Zero fields take defaults.
type Options struct {
	RedisURL        string
	LocalMaxEntries int
	Events          Events

	// Reconnect schedule overrides, used by tests.
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	ProbeInterval        time.Duration
	ProbeJitter          time.Duration
}

// Op is one pipelined mutation.
type Op struct {
	Del   bool
	Key   string
	Value string
	TTL   time.Duration
}

// SetOp builds a pipelined set.
func SetOp(key, value string, ttl time.Duration) Op {
	return Op{Key: key, Value: value, TTL: ttl}
}

// DelOp builds a pipelined delete.
func DelOp(key string) Op {
	return Op{Del: true, Key: key}
}

// Cache is the remote-with-local-fallback facade. It deliberately exposes no
// KEYS/SCAN operation; callers that need enumeration maintain explicit index
// keys.
type Cache struct {
	remote  *redis.Client
	local   otter.CacheWithVariableTTL[string, string]
	events  Events
	backoff netutil.Backoff

	maxAttempts   int
	probeInterval time.Duration
	probeJitter   time.Duration

	mode   atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Cache from options. The returned cache starts degraded; call
// Start to launch the health monitor, which promotes it to connected as soon
// as Redis answers a ping.
func New(opts Options) (*Cache, error) {
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	capacity := opts.LocalMaxEntries
	if capacity <= 0 {
		capacity = defaultLocalMaxEntries
	}
	local, err := otter.MustBuilder[string, string](capacity).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build local cache: %w", err)
	}

	c := &Cache{
		remote: redis.NewClient(redisOpts),
		local:  local,
		events: opts.Events,
		backoff: netutil.Backoff{
			Base: orDuration(opts.ReconnectBase, defaultReconnectBase),
			Max:  orDuration(opts.ReconnectMax, defaultReconnectMax),
		},
		maxAttempts:   orInt(opts.MaxReconnectAttempts, defaultMaxReconnectAttempt),
		probeInterval: orDuration(opts.ProbeInterval, defaultProbeInterval),
		probeJitter:   opts.ProbeJitter,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if opts.ProbeJitter == 0 {
		c.probeJitter = defaultProbeJitter
	}
	c.mode.Store(int32(ModeReconnecting))
	return c, nil
}

// Start launches the health monitor. The first probe runs immediately.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.doneCh)
			c.healthTick()
			c.probeLoop()
		}()
	})
}

// probeLoop fires healthTick at the jittered probe cadence until Stop.
func (c *Cache) probeLoop() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		interval := c.probeInterval
		if c.probeJitter > 0 {
			interval += time.Duration(rand.Int64N(int64(c.probeJitter)))
		}
		timer.Reset(interval)
		select {
		case <-c.stopCh:
			return
		case <-timer.C:
		}
		c.healthTick()
	}
}

// Stop halts the monitor and closes the Redis client.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		_ = c.remote.Close()
		if c.events.OnClose != nil {
			c.events.OnClose()
		}
	})
}

// Mode returns the current connectivity state.
func (c *Cache) Mode() Mode {
	return Mode(c.mode.Load())
}

// IsConnected reports whether operations are currently served by Redis.
func (c *Cache) IsConnected() bool {
	return c.Mode() == ModeConnected
}

// ForceReconnect requests a fresh reconnect episode. A connected cache is
// unaffected.
func (c *Cache) ForceReconnect() {
	c.mode.CompareAndSwap(int32(ModeFallback), int32(ModeReconnecting))
}

// Get returns the value for key. Misses and remote failures both come back as
// ok=false or a local-mirror hit; infrastructure errors are never surfaced.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.IsConnected() {
		val, err := c.remote.Get(ctx, key).Result()
		if err == nil {
			return val, true
		}
		if err == redis.Nil {
			return "", false
		}
		c.noteFailure(err)
	}
	return c.local.Get(key)
}

// Set writes key=value with the given TTL (<=0 means the default retention).
// The local mirror is always written so a later fallback has warm values.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c.local.Set(key, value, ttl)
	if c.IsConnected() {
		if err := c.remote.Set(ctx, key, value, ttl).Err(); err != nil {
			c.noteFailure(err)
		}
	}
}

// Delete removes the keys from both stores.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.local.Delete(key)
	}
	if c.IsConnected() && len(keys) > 0 {
		if err := c.remote.Del(ctx, keys...).Err(); err != nil {
			c.noteFailure(err)
		}
	}
}

// Pipeline applies the ops in order: one round trip when connected, a plain
// loop against the local cache otherwise.
func (c *Cache) Pipeline(ctx context.Context, ops []Op) {
	for _, op := range ops {
		if op.Del {
			c.local.Delete(op.Key)
			continue
		}
		ttl := op.TTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		c.local.Set(op.Key, op.Value, ttl)
	}
	if !c.IsConnected() {
		return
	}
	_, err := c.remote.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Del {
				pipe.Del(ctx, op.Key)
				continue
			}
			ttl := op.TTL
			if ttl <= 0 {
				ttl = defaultTTL
			}
			pipe.Set(ctx, op.Key, op.Value, ttl)
		}
		return nil
	})
	if err != nil {
		c.noteFailure(err)
	}
}

// Publish sends payload on a pub/sub channel. In degraded modes the message
// is dropped; cross-instance relay is best effort.
func (c *Cache) Publish(ctx context.Context, channel, payload string) {
	if !c.IsConnected() {
		return
	}
	if err := c.remote.Publish(ctx, channel, payload).Err(); err != nil {
		c.noteFailure(err)
	}
}

// Subscription is a running pub/sub consumer.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// Stop closes the subscription and waits for the consumer goroutine to exit.
func (s *Subscription) Stop() {
	_ = s.ps.Close()
	<-s.done
}

// Subscribe consumes a pub/sub channel, invoking handler for each message.
// The underlying client resubscribes across Redis restarts on its own.
func (c *Cache) Subscribe(channel string, handler func(payload string)) *Subscription {
	ps := c.remote.Subscribe(context.Background(), channel)
	sub := &Subscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			handler(msg.Payload)
		}
	}()
	return sub
}

// LocalSize returns the entry count of the local mirror.
func (c *Cache) LocalSize() int {
	return c.local.Size()
}

// --- health monitor ---

// healthTick runs one probe (or a whole reconnect episode) synchronously.
func (c *Cache) healthTick() {
	switch c.Mode() {
	case ModeConnected, ModeFallback:
		if c.ping() == nil {
			c.becomeConnected()
			return
		}
		if c.mode.CompareAndSwap(int32(ModeConnected), int32(ModeReconnecting)) {
			c.reconnectEpisode()
		}
	case ModeReconnecting:
		c.reconnectEpisode()
	}
}

// reconnectEpisode pings with exponential backoff until Redis answers or the
// attempt budget is spent, at which point the cache settles into fallback.
func (c *Cache) reconnectEpisode() {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.ping() == nil {
			c.becomeConnected()
			return
		}
		if attempt == c.maxAttempts {
			break
		}
		delay := c.backoff.Delay(attempt - 1)
		if c.events.OnReconnecting != nil {
			c.events.OnReconnecting(attempt, delay)
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}
	}
	if c.mode.Swap(int32(ModeFallback)) != int32(ModeFallback) {
		if c.events.OnFallback != nil {
			c.events.OnFallback()
		}
	}
}

func (c *Cache) becomeConnected() {
	if c.mode.Swap(int32(ModeConnected)) != int32(ModeConnected) {
		if c.events.OnReady != nil {
			c.events.OnReady()
		}
	}
}

func (c *Cache) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return c.remote.Ping(ctx).Err()
}

// noteFailure flags a remote error observed during an operation. The cache
// degrades immediately; the monitor decides when to come back.
func (c *Cache) noteFailure(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
	c.mode.CompareAndSwap(int32(ModeConnected), int32(ModeReconnecting))
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
