package activity

import (
	"context"
	"slices"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/google/uuid"
)

// Notify creates one unread notification per distinct user for activityID.
// Empty ids are skipped; an empty set is a no-op.
func (r *Recorder) Notify(ctx context.Context, activityID string, userIDs []string) error {
	users := Dedupe(userIDs)
	if len(users) == 0 {
		return nil
	}
	now := time.Now().UTC()
	ns := make([]store.Notification, 0, len(users))
	for _, u := range users {
		ns = append(ns, store.Notification{
			NotificationID: uuid.NewString(),
			UserID:         u,
			ActivityID:     activityID,
			CreatedAt:      now,
		})
	}
	return r.Store.CreateNotifications(ctx, ns)
}

// Notifications lists a user's notifications newest first with their activity entries.
func (r *Recorder) Notifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	return r.Store.ListNotifications(ctx, userID, unreadOnly, clamp(limit, DefaultNotificationLimit, MaxNotificationLimit))
}

func (r *Recorder) UnreadCount(ctx context.Context, userID string) (int, error) {
	return r.Store.CountUnread(ctx, userID)
}

// MarkRead marks one notification read. Returns store.ErrNotFound for unknown ids.
func (r *Recorder) MarkRead(ctx context.Context, notificationID string) error {
	return r.Store.MarkNotificationRead(ctx, notificationID)
}

// MarkAllRead marks every unread notification of userID read. Calling it twice is harmless.
func (r *Recorder) MarkAllRead(ctx context.Context, userID string) error {
	_, err := r.Store.MarkAllNotificationsRead(ctx, userID)
	return err
}

// Dedupe returns ids without blanks or repeats, preserving first-seen order.
func Dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// InterestResolver decides which users should be notified about activity on a card.
type InterestResolver interface {
	InterestedUsers(ctx context.Context, cardID string, actor Actor) ([]string, error)
}

// Collaborators resolves interest as the humans who commented on or reacted to the card,
// excluding the actor.
type Collaborators struct {
	Store store.Store
}

func (c Collaborators) InterestedUsers(ctx context.Context, cardID string, actor Actor) ([]string, error) {
	ids, err := c.Store.ListCollaborators(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(Dedupe(ids), func(id string) bool { return id == actor.ID }), nil
}

// Nobody never notifies anyone.
type Nobody struct{}

func (Nobody) InterestedUsers(context.Context, string, Actor) ([]string, error) { return nil, nil }
