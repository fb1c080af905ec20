// Package notify persists in-app notifications and fans pushes out to an
// Expo-compatible provider. Inbox rows are written synchronously so callers
// can rely on them; pushes run on a small worker pool with a fixed budget
// and never fail the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/store"
)

const (
	pushWorkers   = 4
	pushQueueSize = 256
	pushBudget    = 10 * time.Second
)

// Pusher delivers one message to a set of device tokens.
type Pusher interface {
	Send(ctx context.Context, tokens []string, title, body string, data map[string]any, priority string) []PushResult
}

// Notification is a dispatch request. UserID and UserIDs may be combined;
// duplicates collapse to one delivery.
type Notification struct {
	UserID   string
	UserIDs  []string
	Title    string
	Message  string
	Type     string
	Priority string
	Data     map[string]any
}

type pushJob struct {
	recipients []recipient
	n          Notification
}

type recipient struct {
	userID         string
	notificationID string
}

// Dispatcher is the notification fan-out service.
type Dispatcher struct {
	store *store.Store
	push  Pusher
	errs  *errorlog.Sink
	now   func() time.Time

	jobs     chan pushJob
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher wires the dispatcher. A nil pusher disables pushes but
// keeps inbox persistence working.
func NewDispatcher(st *store.Store, push Pusher, errs *errorlog.Sink) *Dispatcher {
	return &Dispatcher{
		store:  st,
		push:   push,
		errs:   errs,
		now:    time.Now,
		jobs:   make(chan pushJob, pushQueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the push workers.
func (d *Dispatcher) Start() {
	for i := 0; i < pushWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop signals the workers and waits for queued pushes to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Dispatch writes an inbox row per recipient and queues the push fan-out.
// One recipient failing never aborts the others.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	ids := recipientIDs(n)
	if len(ids) == 0 {
		return fmt.Errorf("notification has no recipients")
	}

	dataJSON := encodeData(n.Data)
	nowMs := d.now().UnixMilli()

	recipients := make([]recipient, 0, len(ids))
	for _, userID := range ids {
		row := model.Notification{
			ID:          uuid.NewString(),
			UserID:      userID,
			Title:       n.Title,
			Message:     n.Message,
			Type:        n.Type,
			Priority:    n.Priority,
			DataJSON:    dataJSON,
			CreatedAtMs: nowMs,
		}
		if err := d.store.InsertNotification(row); err != nil {
			d.logError(userID, "persist notification", err)
			continue
		}
		recipients = append(recipients, recipient{userID: userID, notificationID: row.ID})
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no notification rows persisted")
	}

	d.enqueue(pushJob{recipients: recipients, n: n})
	return nil
}

// DispatchRole notifies every active user holding the role in the sender's
// company.
func (d *Dispatcher) DispatchRole(ctx context.Context, fromID string, role model.Role, n Notification, excludeSender bool) error {
	sender, err := d.store.GetUser(fromID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if sender == nil {
		return fmt.Errorf("sender %s not found", fromID)
	}

	users, err := d.store.ListCompanyUsers(sender.CompanyID, role)
	if err != nil {
		return fmt.Errorf("list %s users: %w", role, err)
	}

	n.UserID = ""
	n.UserIDs = n.UserIDs[:0]
	for _, u := range users {
		if !u.Active {
			continue
		}
		if excludeSender && u.ID == fromID {
			continue
		}
		n.UserIDs = append(n.UserIDs, u.ID)
	}
	if len(n.UserIDs) == 0 {
		return nil
	}
	return d.Dispatch(ctx, n)
}

// DispatchGroup notifies the group admin's active employees.
func (d *Dispatcher) DispatchGroup(ctx context.Context, fromID, groupAdminID string, n Notification) error {
	members, err := d.store.ListGroupMembers(groupAdminID)
	if err != nil {
		return fmt.Errorf("list group members: %w", err)
	}

	n.UserID = ""
	n.UserIDs = n.UserIDs[:0]
	for _, u := range members {
		n.UserIDs = append(n.UserIDs, u.ID)
	}
	if len(n.UserIDs) == 0 {
		return nil
	}
	return d.Dispatch(ctx, n)
}

func (d *Dispatcher) enqueue(job pushJob) {
	if d.push == nil {
		return
	}
	select {
	case d.jobs <- job:
	default:
		log.Printf("[notify] push queue full, dropping fan-out for %d recipients", len(job.recipients))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobs:
			d.run(job)
		case <-d.stopCh:
			for {
				select {
				case job := <-d.jobs:
					d.run(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(job pushJob) {
	ctx, cancel := context.WithTimeout(context.Background(), pushBudget)
	defer cancel()

	userIDs := make([]string, len(job.recipients))
	for i, r := range job.recipients {
		userIDs[i] = r.userID
	}
	tokens, err := d.store.ActiveTokensForUsers(userIDs)
	if err != nil {
		d.logError("", "load device tokens", err)
		return
	}

	tokensByUser := make(map[string][]string, len(userIDs))
	for _, t := range tokens {
		tokensByUser[t.UserID] = append(tokensByUser[t.UserID], t.Token)
	}

	dataJSON := encodeData(job.n.Data)
	for _, r := range job.recipients {
		d.pushOne(ctx, r, tokensByUser[r.userID], job.n, dataJSON)
	}
}

// pushOne delivers to one recipient's tokens and writes the audit row.
func (d *Dispatcher) pushOne(ctx context.Context, r recipient, tokens []string, n Notification, dataJSON string) {
	audit := model.PushRecord{
		ID:             uuid.NewString(),
		NotificationID: r.notificationID,
		UserID:         r.userID,
		Title:          n.Title,
		Message:        n.Message,
		DataJSON:       dataJSON,
		CreatedAtMs:    d.now().UnixMilli(),
	}

	if len(tokens) == 0 {
		audit.Error = "no active device tokens"
	} else {
		results := d.push.Send(ctx, tokens, n.Title, n.Message, n.Data, n.Priority)
		for _, res := range results {
			if res.OK {
				audit.Sent = true
				continue
			}
			if audit.Error == "" {
				audit.Error = res.Error
			}
			if res.Gone() {
				if err := d.store.DeactivateToken(res.Token); err != nil {
					d.logError(r.userID, "retire device token", err)
				}
			}
		}
		if audit.Sent {
			audit.SentAtMs = d.now().UnixMilli()
		}
	}

	if err := d.store.InsertPushRecord(audit); err != nil {
		d.logError(r.userID, "persist push audit", err)
	}
}

func (d *Dispatcher) logError(userID, what string, err error) {
	if d.errs != nil {
		d.errs.Log(errorlog.Event{
			Service: "notify",
			Type:    "DispatchError",
			Message: fmt.Sprintf("%s: %v", what, err),
			UserID:  userID,
		})
		return
	}
	log.Printf("[notify] %s: %v", what, err)
}

func recipientIDs(n Notification) []string {
	seen := make(map[string]bool, len(n.UserIDs)+1)
	var ids []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(n.UserID)
	for _, id := range n.UserIDs {
		add(id)
	}
	return ids
}

func encodeData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
