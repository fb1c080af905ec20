package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewtrack/crewtrack/internal/geoip"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/service"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second // under pongWait so pings keep the read deadline alive
	maxFrameBytes = 16 << 10
	sendQueueSize = 64
	ingestTimeout = 10 * time.Second
)

// client is one websocket session pinned to an authenticated user. The send
// channel is written by the hub loop and by this connection's own read
// goroutine, and closed by the hub on unregister.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	user model.User
	send chan []byte

	// joined is owned by the hub goroutine after registration.
	joined map[string]struct{}

	// origin is the coarse GeoIP position of the handshake address, used to
	// flag implausible reports.
	origin    geoip.Location
	hasOrigin bool
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	defer func() { _ = c.conn.Close() }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[live] read error for user %s: %v", c.user.ID, err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.hub.stopCh:
			return
		}
	}
}

func (c *client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError("malformed frame")
		return
	}
	switch f.Event {
	case evLocationUpdate, evEmployeeLocation:
		c.handleLocation(f.Data)
	case evSubscribe:
		c.handleSubscription(f.Data, true)
	case evUnsubscribe:
		c.handleSubscription(f.Data, false)
	case evGetFailed:
		c.handleGetFailed()
	case evGetInterval:
		c.handleGetInterval(f.Data)
	default:
		c.sendError("unknown event " + f.Event)
	}
}

// handleLocation feeds a report through the ingest pipeline and answers
// with an ack. Rejections come back as location:error; the connection
// stays up either way.
func (c *client) handleLocation(data json.RawMessage) {
	var rep locationReport
	if err := json.Unmarshal(data, &rep); err != nil {
		c.sendError("malformed location payload")
		return
	}
	in := service.SampleInput{
		Lat:          rep.Latitude,
		Lon:          rep.Longitude,
		AccuracyM:    rep.Accuracy,
		BatteryPct:   rep.BatteryLevel,
		SpeedMps:     rep.Speed,
		AltitudeM:    rep.Altitude,
		IsMoving:     rep.IsMoving,
		ShiftID:      rep.ShiftID,
		RecordedAtMs: rep.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	var ack *service.Ack
	if rep.IsBackground {
		ack = c.hub.tracker.IngestBackground(ctx, &c.user, in)
	} else {
		var err error
		ack, err = c.hub.tracker.Ingest(ctx, &c.user, in, false)
		if err != nil {
			var se *service.ServiceError
			if errors.As(err, &se) {
				c.sendError(se.Message)
			} else {
				c.sendError("location update failed")
			}
			return
		}
	}
	if warn := c.plausibility(rep.Latitude, rep.Longitude); warn != "" {
		ack.Warnings = append(ack.Warnings, warn)
	}
	c.sendEvent(evAck, ackFromIngest(ack))
}

// plausibility compares the report against the connection's GeoIP origin.
// Far-off reports are flagged, never rejected: corporate VPNs and coarse
// databases make this a weak signal.
func (c *client) plausibility(lat, lon float64) string {
	if !c.hasOrigin {
		return ""
	}
	ok, distM := geoip.Check(c.origin, lat, lon)
	if ok {
		return ""
	}
	c.hub.metrics.GeoipImplausible.Inc()
	return fmt.Sprintf("reported position is %.0f km from the connection origin", distM/1000)
}

func (c *client) handleSubscription(data json.RawMessage, join bool) {
	var req subscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("malformed subscription payload")
			return
		}
	}
	ids := dedupeIDs(req.EmployeeIDs)
	if join {
		ids = c.observableTargets(ids)
		if len(ids) == 0 && len(req.EmployeeIDs) > 0 {
			c.sendEvent(evSubscribeErr, subscriptionResult{
				Message: "none of the requested employees are visible to you",
			})
			return
		}
	}
	current, ok := c.hub.applySubscription(c, join, ids)
	if !ok {
		return
	}
	c.sendEvent(evSubscribeOK, subscriptionResult{Subscribed: current})
}

// observableTargets keeps the ids the connection's user may watch.
// Unknown and out-of-scope ids are dropped silently.
func (c *client) observableTargets(ids []string) []string {
	var out []string
	for _, id := range ids {
		target, err := c.hub.store.GetUser(id)
		if err != nil {
			c.hub.errs.Logf("live", "SUBSCRIBE_LOOKUP", c.user.ID, "target %s lookup failed: %v", id, err)
			continue
		}
		if target == nil || !service.CanObserve(&c.user, target) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (c *client) handleGetFailed() {
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	recs := c.hub.tracker.FailedUpdates(ctx, c.user.ID)
	c.sendEvent(evFailedUpdates, recs)
}

func (c *client) handleGetInterval(data json.RawMessage) {
	var req intervalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("malformed interval payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	interval, breakdown := c.hub.tracker.ReportInterval(ctx, &c.user, req.BatteryLevel, req.IsCharging)
	c.sendEvent(evUpdateInterval, batteryHints{
		Interval:  interval.Milliseconds(),
		Breakdown: breakdown,
	})
}

func (c *client) sendEvent(event string, payload any) {
	buf, err := encodeFrame(event, payload)
	if err != nil {
		c.hub.errs.Logf("live", "ENCODE", c.user.ID, "encode %s failed: %v", event, err)
		return
	}
	c.enqueue(buf)
}

func (c *client) sendError(message string) {
	c.sendEvent(evError, errorPayload{Message: message})
}

// enqueue never blocks; a slow consumer loses frames instead of stalling
// the pipeline.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.metrics.BroadcastsDropped.Inc()
	}
}

// subscribedIDs lists the employee ids this connection explicitly watches.
// Hub goroutine only.
func (c *client) subscribedIDs() []string {
	out := make([]string, 0, len(c.joined))
	for room := range c.joined {
		if id, ok := strings.CutPrefix(room, roomEmployee); ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
