// Package notifier dispatches queued agent push notifications through
// Firebase Cloud Messaging.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldserve/dblayer"
	"fieldserve/dbtypes"

	"cloud.google.com/go/firestore"
	"firebase.google.com/go/v4/messaging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MissingDetailsMarker is written onto a notification that cannot be
// dispatched because the agent token or the message fields are absent.
const MissingDetailsMarker = "Missing details"

var ErrMissingDetails = errors.New("notification is missing token, title, or body")

// pushSender is the slice of the FCM client the notifier needs; it lets
// tests substitute a fake.
type pushSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Notifier drains pending notification documents.  Each document gets
// exactly one dispatch attempt; success and failure are both recorded
// back onto the triggering document, never raised.
type Notifier struct {
	db   *dblayer.DB
	push pushSender
}

func New(db *dblayer.DB, push *messaging.Client) *Notifier {
	return &Notifier{
		db:   db,
		push: push,
	}
}

// Pass dispatches every notification that has not yet had a dispatch
// attempt.  Per-notification work fans out concurrently with an
// all-settle join.
func (n *Notifier) Pass(ctx context.Context) error {
	pending, err := n.db.PendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("while listing pending notifications: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Dispatching pending notifications", slog.Int("count", len(pending)))

	eg, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(50)

	for _, notificationSnapshot := range pending {
		notificationSnapshot := notificationSnapshot

		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("while acquiring concurrency limiter semaphore: %w", err)
		}

		eg.Go(func() error {
			defer sem.Release(1)

			if err := n.dispatchOne(ctx, notificationSnapshot); err != nil {
				slog.ErrorContext(ctx, "Failed to dispatch notification", slog.String("notification", notificationSnapshot.Ref.ID), slog.Any("err", err))
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("while waiting for completion of errgroup: %w", err)
	}

	return nil
}

// dispatchOne sends one notification to its owning agent.  Notification
// documents live at agents/{agentId}/notifications/{id}, so the agent is
// the grandparent of the notification document.
func (n *Notifier) dispatchOne(ctx context.Context, notificationSnapshot *firestore.DocumentSnapshot) error {
	notification := &dbtypes.Notification{}
	if err := notificationSnapshot.DataTo(notification); err != nil {
		return fmt.Errorf("while unmarshaling notification: %w", err)
	}

	agentRef := notificationSnapshot.Ref.Parent.Parent
	if agentRef == nil {
		return fmt.Errorf("notification %s has no parent agent document", notificationSnapshot.Ref.ID)
	}

	agentSnapshot, err := agentRef.Get(ctx)
	if err != nil {
		return fmt.Errorf("while fetching agent %s: %w", agentRef.ID, err)
	}

	agent := &dbtypes.Agent{}
	if err := agentSnapshot.DataTo(agent); err != nil {
		return fmt.Errorf("while unmarshaling agent %s: %w", agentRef.ID, err)
	}

	now := time.Now()

	if err := n.sendPush(ctx, agent.NotificationToken, notification.Title, notification.Body); err != nil {
		reason := err.Error()
		if errors.Is(err, ErrMissingDetails) {
			reason = MissingDetailsMarker
		}
		if markErr := n.db.MarkNotificationFailed(ctx, notificationSnapshot.Ref, now, reason); markErr != nil {
			return fmt.Errorf("while recording dispatch failure: %w", markErr)
		}
		return err
	}

	if err := n.db.MarkNotificationSent(ctx, notificationSnapshot.Ref, now); err != nil {
		return fmt.Errorf("while recording dispatch success: %w", err)
	}

	return nil
}

// sendPush delivers one title/body payload to the given device token.
func (n *Notifier) sendPush(ctx context.Context, token, title, body string) error {
	if token == "" || title == "" || body == "" {
		return ErrMissingDetails
	}

	message := &messaging.Message{
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Token: token,
	}

	if _, err := n.push.Send(ctx, message); err != nil {
		return fmt.Errorf("while sending push message: %w", err)
	}

	return nil
}
