package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// RecipientDirectory resolves an event's audience to user ids. The identity
// store implements it.
type RecipientDirectory interface {
	InternalUserIDs(ctx context.Context, tenantID string) ([]string, error)
	SupplierUserIDs(ctx context.Context, vendorID string) ([]string, error)
}

// Notifier materializes events into notification rows and mirrors them to an
// optional webhook sink.
type Notifier struct {
	store   *Store
	dir     RecipientDirectory
	sinkURL string
	sink    *sinkClient
	logger  *slog.Logger
}

func NewNotifier(store *Store, dir RecipientDirectory, sinkURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:   store,
		dir:     dir,
		sinkURL: sinkURL,
		sink:    newSinkClient(),
		logger:  logger,
	}
}

// NotifyInternal fans an event out to every internal user of the tenant.
func (n *Notifier) NotifyInternal(ctx context.Context, ev Event) {
	ids, err := n.dir.InternalUserIDs(ctx, ev.TenantID)
	if err != nil {
		n.logger.Error("notify: resolving internal recipients failed",
			"tenant_id", ev.TenantID, "kind", ev.Kind, "error", err)
		return
	}
	n.NotifyUsers(ctx, ids, ev)
}

// NotifySupplier fans an event out to every portal user of the vendor.
func (n *Notifier) NotifySupplier(ctx context.Context, vendorID string, ev Event) {
	ids, err := n.dir.SupplierUserIDs(ctx, vendorID)
	if err != nil {
		n.logger.Error("notify: resolving supplier recipients failed",
			"vendor_id", vendorID, "kind", ev.Kind, "error", err)
		return
	}
	n.NotifyUsers(ctx, ids, ev)
}

// NotifyUsers writes one row per recipient. A failed insert is logged and the
// remaining recipients still get theirs.
func (n *Notifier) NotifyUsers(ctx context.Context, userIDs []string, ev Event) {
	for _, uid := range userIDs {
		err := n.store.Insert(ctx, &Notification{
			UserID: uid,
			CaseID: ev.CaseID,
			Kind:   ev.Kind,
			Title:  ev.Title,
			Body:   ev.Body,
		})
		if err != nil {
			n.logger.Error("notify: insert failed", "user_id", uid, "kind", ev.Kind, "error", err)
		}
	}
	n.postSink(ctx, userIDs, ev)
}

type sinkPayload struct {
	Event
	UserIDs []string `json:"user_ids"`
}

// postSink mirrors the event to the configured webhook, once per event.
// Delivery is best-effort: the rows are already written, so a sink failure
// is logged and swallowed.
func (n *Notifier) postSink(ctx context.Context, userIDs []string, ev Event) {
	if n.sinkURL == "" || len(userIDs) == 0 {
		return
	}
	body, err := json.Marshal(sinkPayload{Event: ev, UserIDs: userIDs})
	if err != nil {
		n.logger.Error("notify: sink payload encode failed", "kind", ev.Kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.sink.post(ctx, n.sinkURL, body); err != nil {
		n.logger.Warn("notify: sink delivery failed", "kind", ev.Kind, "error", err)
	}
}
