// Package live fans accepted location updates out to websocket watchers and
// carries the inbound socket protocol for mobile clients. Room membership is
// owned by the hub goroutine; connections talk to it over channels only.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/geoip"
	"github.com/crewtrack/crewtrack/internal/kalman"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/netutil"
	"github.com/crewtrack/crewtrack/internal/service"
	"github.com/crewtrack/crewtrack/internal/store"
)

// Room name prefixes. A user's own connections sit in user:<id>; explicit
// admin subscriptions sit in employee:<id>; group: and company: scope
// supervisors and tenants; admin collects management and super-admins.
const (
	roomUser     = "user:"
	roomEmployee = "employee:"
	roomGroup    = "group:"
	roomCompany  = "company:"
	roomAdmin    = "admin"
)

const (
	relayChannel   = "live:updates"
	broadcastQueue = 256
	publishTimeout = 2 * time.Second
)

// Hub routes broadcasts to connected sockets and replays them across
// instances through the cache pub/sub channel. It implements
// service.Broadcaster.
type Hub struct {
	store    *store.Store
	tracker  *service.TrackingService
	cache    *cache.Cache
	filters  *kalman.Registry
	geo      *geoip.Service
	errs     *errorlog.Sink
	metrics  *metrics.Metrics
	instance string
	upgrader websocket.Upgrader

	membership chan memberChange
	broadcasts chan fanout
	subs       chan subRequest

	// presence counts live connections per user; the hub goroutine writes,
	// anyone may read.
	presence *xsync.Map[string, int]

	relay     *cache.Subscription
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// HubDeps carries the collaborators for NewHub.
type HubDeps struct {
	Store   *store.Store
	Tracker *service.TrackingService
	Cache   *cache.Cache
	Filters *kalman.Registry
	Geo     *geoip.Service
	Errors  *errorlog.Sink
	Metrics *metrics.Metrics
	// InstanceID tags relayed broadcasts so an instance skips its own
	// publications. Empty gets a random id.
	InstanceID string
	// AllowedOrigins is the browser origin allow-list for the websocket
	// handshake. Empty disables the check.
	AllowedOrigins []string
}

type memberChange struct {
	c     *client
	leave bool
}

// fanout is one routed broadcast: the pre-encoded frame plus the room
// coordinates it must reach.
type fanout struct {
	userID        string
	groupAdminID  string
	companyID     string
	lastUpdatedMs int64
	frame         []byte
}

type subRequest struct {
	c     *client
	join  bool
	ids   []string
	reply chan []string
}

// NewHub wires the broadcaster. Call Start before serving connections.
func NewHub(d HubDeps) *Hub {
	instance := d.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	return &Hub{
		store:    d.Store,
		tracker:  d.Tracker,
		cache:    d.Cache,
		filters:  d.Filters,
		geo:      d.Geo,
		errs:     d.Errors,
		metrics:  d.Metrics,
		instance: instance,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(d.AllowedOrigins),
		},
		membership: make(chan memberChange),
		broadcasts: make(chan fanout, broadcastQueue),
		subs:       make(chan subRequest),
		presence:   xsync.NewMap[string, int](),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the hub loop and joins the cross-instance relay channel.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.relay = h.cache.Subscribe(relayChannel, h.handleRelay)
		go h.run()
	})
}

// Stop disconnects every client and waits for the loop to drain.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.relay != nil {
			h.relay.Stop()
		}
		close(h.stopCh)
		<-h.doneCh
	})
}

// InstanceID identifies this process on the relay channel.
func (h *Hub) InstanceID() string { return h.instance }

// Online reports whether the user has at least one live connection on this
// instance.
func (h *Hub) Online(userID string) bool {
	n, ok := h.presence.Load(userID)
	return ok && n > 0
}

// Sessions returns the number of connections on this instance.
func (h *Hub) Sessions() int {
	total := 0
	h.presence.Range(func(_ string, n int) bool {
		total += n
		return true
	})
	return total
}

// Serve upgrades an authenticated request to a websocket session and runs it
// until the peer disconnects. Auth happens in the HTTP middleware; the hub
// only pins the resolved user to the connection.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, user *model.User) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Printf("[live] upgrade failed for user %s: %v", user.ID, err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		user:   *user,
		send:   make(chan []byte, sendQueueSize),
		joined: make(map[string]struct{}),
	}
	if ip := geoip.IPFromRemoteAddr(r.RemoteAddr); ip != nil {
		c.origin, c.hasOrigin = h.geo.Lookup(ip)
	}

	if !h.enroll(c, false) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
	h.enroll(c, true)
}

// BroadcastLocation routes an accepted update to local rooms and publishes
// it for the other instances.
func (h *Hub) BroadcastLocation(u service.Update) {
	buf, err := encodeFrame(evEmployeeLocation, eventFromUpdate(u))
	if err != nil {
		h.errs.Logf("live", "ENCODE", u.User.ID, "encode broadcast failed: %v", err)
		return
	}
	job := fanout{
		userID:        u.User.ID,
		groupAdminID:  u.User.GroupAdminID,
		companyID:     u.User.CompanyID,
		lastUpdatedMs: u.LastUpdatedMs,
		frame:         buf,
	}
	h.publishRelay(job)
	h.enqueueFanout(job)
}

// enroll hands a membership change to the hub loop. Returns false when the
// hub is stopping; the caller owns the connection in that case.
func (h *Hub) enroll(c *client, leave bool) bool {
	select {
	case h.membership <- memberChange{c: c, leave: leave}:
		return true
	case <-h.stopCh:
		return false
	}
}

func (h *Hub) enqueueFanout(job fanout) {
	select {
	case h.broadcasts <- job:
	default:
		log.Printf("[live] broadcast queue full, dropping update for user %s", job.userID)
		h.metrics.BroadcastsDropped.Inc()
	}
}

// applySubscription asks the hub loop to change the connection's explicit
// employee rooms and returns the resulting subscription set.
func (h *Hub) applySubscription(c *client, join bool, ids []string) ([]string, bool) {
	req := subRequest{c: c, join: join, ids: ids, reply: make(chan []string, 1)}
	select {
	case h.subs <- req:
	case <-h.stopCh:
		return nil, false
	}
	select {
	case current := <-req.reply:
		return current, true
	case <-h.stopCh:
		return nil, false
	}
}

// publishRelay mirrors the broadcast to the other instances. Fallback mode
// drops it silently; local delivery already happened.
func (h *Hub) publishRelay(job fanout) {
	if !h.cache.IsConnected() {
		return
	}
	msg, err := json.Marshal(relayMessage{
		Origin:        h.instance,
		UserID:        job.userID,
		GroupAdminID:  job.groupAdminID,
		CompanyID:     job.companyID,
		LastUpdatedMs: job.lastUpdatedMs,
		Frame:         job.frame,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	h.cache.Publish(ctx, relayChannel, string(msg))
	h.metrics.RelayPublished.Inc()
}

// handleRelay replays a broadcast that originated on another instance into
// the local rooms. Own messages come back from the channel and are skipped.
func (h *Hub) handleRelay(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}
	if msg.Origin == "" || msg.Origin == h.instance {
		return
	}
	h.metrics.RelayReplayed.Inc()
	h.enqueueFanout(fanout{
		userID:        msg.UserID,
		groupAdminID:  msg.GroupAdminID,
		companyID:     msg.CompanyID,
		lastUpdatedMs: msg.LastUpdatedMs,
		frame:         msg.Frame,
	})
}

// run owns every room map. All membership churn, subscriptions and fan-outs
// pass through here, so none of it needs locking.
func (h *Hub) run() {
	defer close(h.doneCh)

	clients := make(map[*client]struct{})
	rooms := make(map[string]map[*client]struct{})
	lastSent := make(map[string]int64)

	for {
		select {
		case m := <-h.membership:
			if m.leave {
				h.handleUnregister(clients, rooms, m.c)
			} else {
				h.handleRegister(clients, rooms, m.c)
			}
		case job := <-h.broadcasts:
			h.fanOut(rooms, lastSent, job)
		case req := <-h.subs:
			h.handleSubRequest(rooms, req)
		case <-h.stopCh:
			for c := range clients {
				_ = c.conn.Close()
			}
			return
		}
	}
}

func (h *Hub) handleRegister(clients map[*client]struct{}, rooms map[string]map[*client]struct{}, c *client) {
	clients[c] = struct{}{}
	for _, room := range connectRooms(&c.user) {
		joinRoom(rooms, room, c)
		c.joined[room] = struct{}{}
	}
	h.present(c.user.ID, +1)
	h.metrics.SocketsConnected.Inc()
	log.Printf("[live] user %s connected (%s)", c.user.ID, c.user.Role)
}

func (h *Hub) handleUnregister(clients map[*client]struct{}, rooms map[string]map[*client]struct{}, c *client) {
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	for room := range c.joined {
		leaveRoom(rooms, room, c)
	}
	close(c.send)
	if h.present(c.user.ID, -1) == 0 {
		h.filters.Release(c.user.ID)
	}
	h.metrics.SocketsConnected.Dec()
	log.Printf("[live] user %s disconnected", c.user.ID)
}

// fanOut delivers one frame to the union of the update's rooms, once per
// connection. Frames older than the last delivered update for the user are
// dropped so reordered relays cannot rewind a marker on screen.
func (h *Hub) fanOut(rooms map[string]map[*client]struct{}, lastSent map[string]int64, job fanout) {
	if job.lastUpdatedMs < lastSent[job.userID] {
		return
	}
	lastSent[job.userID] = job.lastUpdatedMs

	targets := []string{
		roomUser + job.userID,
		roomEmployee + job.userID,
		roomCompany + job.companyID,
	}
	if job.groupAdminID != "" {
		targets = append(targets, roomUser+job.groupAdminID)
	}

	seen := make(map[*client]struct{})
	for _, room := range targets {
		for c := range rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			h.deliver(c, job.frame)
		}
	}
}

func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
		h.metrics.BroadcastsSent.Inc()
	default:
		h.metrics.BroadcastsDropped.Inc()
	}
}

func (h *Hub) handleSubRequest(rooms map[string]map[*client]struct{}, req subRequest) {
	for _, id := range req.ids {
		room := roomEmployee + id
		if req.join {
			joinRoom(rooms, room, req.c)
			req.c.joined[room] = struct{}{}
		} else {
			leaveRoom(rooms, room, req.c)
			delete(req.c.joined, room)
		}
	}
	req.reply <- req.c.subscribedIDs()
}

// present adjusts the user's connection count and returns the new value.
func (h *Hub) present(userID string, delta int) int {
	var next int
	h.presence.Compute(userID, func(old int, _ bool) (int, xsync.ComputeOp) {
		next = old + delta
		if next <= 0 {
			next = 0
			return 0, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
	return next
}

func connectRooms(u *model.User) []string {
	rooms := []string{roomUser + u.ID, roomCompany + u.CompanyID}
	if u.GroupAdminID != "" {
		rooms = append(rooms, roomGroup+u.GroupAdminID)
	}
	if u.Role == model.RoleManagement || u.Role == model.RoleSuperAdmin {
		rooms = append(rooms, roomAdmin)
	}
	return rooms
}

func joinRoom(rooms map[string]map[*client]struct{}, room string, c *client) {
	members, ok := rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		rooms[room] = members
	}
	members[c] = struct{}{}
}

func leaveRoom(rooms map[string]map[*client]struct{}, room string, c *client) {
	members, ok := rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(rooms, room)
	}
}

// originChecker accepts listed origins plus requests without an Origin
// header (native mobile clients). An empty allow-list disables the check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return netutil.OriginAllowed(origin, allowed)
	}
}
