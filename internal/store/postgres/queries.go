package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	agentColumns    = `agent_id, name, email, api_key, webhook_url, created_at`
	cardColumns     = `card_id, template_id, agent_id, data, status, version, created_at, updated_at`
	commentColumns  = `comment_id, card_id, author_type, author_id, author_name, content, created_at, updated_at`
	activityColumns = `activity_id, action, actor_type, actor_id, actor_name, target_type, target_id, metadata, created_at`
	effectColumns   = `effect_id, kind, payload, status, attempts, next_attempt_at, last_error, created_at, lease_id`
)

func (s *Store) CreateAgent(ctx context.Context, a store.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES($1, $2, $3, $4, $5, $6)`,
		a.AgentID, a.Name, a.Email, a.APIKey, a.WebhookURL, toMicros(a.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("agent %s: %w", a.Email, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	return scanAgent(s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID))
}

func (s *Store) GetAgentByAPIKey(ctx context.Context, apiKey string) (*store.Agent, error) {
	return scanAgent(s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key = $1`, apiKey))
}

func scanAgent(row pgx.Row) (*store.Agent, error) {
	var (
		a       store.Agent
		created int64
	)
	if err := row.Scan(&a.AgentID, &a.Name, &a.Email, &a.APIKey, &a.WebhookURL, &created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = fromMicros(created)
	return &a, nil
}

func (s *Store) CreateCard(ctx context.Context, c store.Card, p store.Provenance) error {
	data, err := encodeJSON(c.Data)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.CardID, c.TemplateID, c.AgentID, data, c.Status, c.Version, toMicros(c.CreatedAt), toMicros(c.UpdatedAt)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("card %s: %w", c.CardID, store.ErrDuplicate)
			}
			return err
		}
		return writeProvenance(ctx, tx, p)
	})
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*store.Card, error) {
	return scanCard(s.Pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE card_id = $1`, cardID))
}

func (s *Store) ListCardsByAgent(ctx context.Context, agentID string, limit int) ([]store.Card, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+cardColumns+` FROM cards WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCard(row pgx.Row) (*store.Card, error) {
	var (
		c                store.Card
		data             []byte
		created, updated int64
	)
	if err := row.Scan(&c.CardID, &c.TemplateID, &c.AgentID, &data, &c.Status, &c.Version, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m, err := decodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("card %s data: %w", c.CardID, err)
	}
	c.Data = m
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return &c, nil
}

func (s *Store) UpdateCard(ctx context.Context, c store.Card, expectedVersion int64, p store.Provenance) error {
	data, err := encodeJSON(c.Data)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE cards SET status = $1, data = $2, version = version + 1, updated_at = $3
WHERE card_id = $4 AND version = $5`, c.Status, data, toMicros(c.UpdatedAt), c.CardID, expectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists int
			err := tx.QueryRow(ctx, `SELECT 1 FROM cards WHERE card_id = $1`, c.CardID).Scan(&exists)
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("card %s at version %d: %w", c.CardID, expectedVersion, store.ErrVersionConflict)
		}
		return writeProvenance(ctx, tx, p)
	})
}

func (s *Store) ListCardActions(ctx context.Context, cardID string) ([]store.CardAction, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT action_id, card_id, agent_id, type, action, payload, status, created_at
FROM card_actions WHERE card_id = $1 ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.CardAction
	for rows.Next() {
		var (
			a       store.CardAction
			payload []byte
			created int64
		)
		if err := rows.Scan(&a.ActionID, &a.CardID, &a.AgentID, &a.Type, &a.Action, &payload, &a.Status, &created); err != nil {
			return nil, err
		}
		if a.Payload, err = decodeJSON(payload); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMicros(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountCardsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM cards GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) CreateComment(ctx context.Context, c store.Comment, p store.Provenance) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO comments(`+commentColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.CommentID, c.CardID, c.AuthorType, c.AuthorID, c.AuthorName, c.Content, toMicros(c.CreatedAt), toNullTime(c.UpdatedAt)); err != nil {
			return err
		}
		return writeProvenance(ctx, tx, p)
	})
}

func (s *Store) GetComment(ctx context.Context, commentID string) (*store.Comment, error) {
	return scanComment(s.Pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE comment_id = $1`, commentID))
}

func (s *Store) ListComments(ctx context.Context, cardID string) ([]store.Comment, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+commentColumns+` FROM comments WHERE card_id = $1 ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanComment(row pgx.Row) (*store.Comment, error) {
	var (
		c       store.Comment
		created int64
		updated *int64
	)
	if err := row.Scan(&c.CommentID, &c.CardID, &c.AuthorType, &c.AuthorID, &c.AuthorName, &c.Content, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = fromMicros(created)
	if updated != nil {
		t := fromMicros(*updated)
		c.UpdatedAt = &t
	}
	return &c, nil
}

func (s *Store) DeleteComment(ctx context.Context, commentID string, p store.Provenance) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM comments WHERE comment_id = $1`, commentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return writeProvenance(ctx, tx, p)
	})
}

func (s *Store) ToggleReaction(ctx context.Context, r store.Reaction, onAdd, onRemove store.Provenance) (bool, error) {
	added := false
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM reactions WHERE card_id = $1 AND author_id = $2 AND emoji = $3`, r.CardID, r.AuthorID, r.Emoji)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return writeProvenance(ctx, tx, onRemove)
		}
		tag, err = tx.Exec(ctx, `
INSERT INTO reactions(reaction_id, card_id, author_type, author_id, emoji, created_at) VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT (card_id, author_id, emoji) DO NOTHING`,
			r.ReactionID, r.CardID, r.AuthorType, r.AuthorID, r.Emoji, toMicros(r.CreatedAt))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// A concurrent toggle inserted the same row first; neither side of the toggle ran.
			return store.ErrDuplicate
		}
		added = true
		return writeProvenance(ctx, tx, onAdd)
	})
	return added, err
}

func (s *Store) ListReactions(ctx context.Context, cardID string) ([]store.Reaction, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT reaction_id, card_id, author_type, author_id, emoji, created_at
FROM reactions WHERE card_id = $1 ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Reaction
	for rows.Next() {
		var (
			r       store.Reaction
			created int64
		)
		if err := rows.Scan(&r.ReactionID, &r.CardID, &r.AuthorType, &r.AuthorID, &r.Emoji, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMicros(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListCollaborators(ctx context.Context, cardID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT author_id FROM comments WHERE card_id = $1 AND author_type = 'human'
UNION
SELECT author_id FROM reactions WHERE card_id = $1 AND author_type = 'human'`, cardID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) AppendActivity(ctx context.Context, e store.ActivityEntry) error {
	return insertActivity(ctx, s.Pool, e)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertActivity(ctx context.Context, db execer, e store.ActivityEntry) error {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = db.Exec(ctx, `INSERT INTO activity_log(`+activityColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ActivityID, e.Action, e.ActorType, e.ActorID, e.ActorName, e.TargetType, e.TargetID, meta, toMicros(e.CreatedAt))
	return err
}

func (s *Store) ListActivity(ctx context.Context, f store.ActivityFilter) ([]store.ActivityEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			args = append(args, v)
			where = append(where, col+" = $"+strconv.Itoa(len(args)))
		}
	}
	add("target_id", f.TargetID)
	add("target_type", f.TargetType)
	add("actor_id", f.ActorID)
	add("action", f.Action)

	q := `SELECT ` + activityColumns + ` FROM activity_log`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	q += fmt.Sprintf(` ORDER BY created_at DESC, activity_id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanActivity(row pgx.Row) (*store.ActivityEntry, error) {
	var (
		e       store.ActivityEntry
		meta    []byte
		created int64
	)
	if err := row.Scan(&e.ActivityID, &e.Action, &e.ActorType, &e.ActorID, &e.ActorName, &e.TargetType, &e.TargetID, &meta, &created); err != nil {
		return nil, err
	}
	m, err := decodeJSON(meta)
	if err != nil {
		return nil, err
	}
	e.Metadata = m
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

func (s *Store) CreateNotifications(ctx context.Context, ns []store.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, n := range ns {
		if n.NotificationID == "" {
			n.NotificationID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		batch.Queue(`
INSERT INTO notifications(notification_id, user_id, activity_id, read, created_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (user_id, activity_id) DO NOTHING`, n.NotificationID, n.UserID, n.ActivityID, n.Read, toMicros(n.CreatedAt))
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
SELECT n.notification_id, n.user_id, n.activity_id, n.read, n.created_at,
  a.activity_id, a.action, a.actor_type, a.actor_id, a.actor_name, a.target_type, a.target_id, a.metadata, a.created_at
FROM notifications n
JOIN activity_log a ON a.activity_id = n.activity_id
WHERE n.user_id = $1`
	if unreadOnly {
		q += ` AND NOT n.read`
	}
	q += ` ORDER BY n.created_at DESC LIMIT $2`

	rows, err := s.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Notification
	for rows.Next() {
		var (
			n                 store.Notification
			e                 store.ActivityEntry
			meta              []byte
			created, eCreated int64
		)
		if err := rows.Scan(&n.NotificationID, &n.UserID, &n.ActivityID, &n.Read, &created,
			&e.ActivityID, &e.Action, &e.ActorType, &e.ActorID, &e.ActorName, &e.TargetType, &e.TargetID, &meta, &eCreated); err != nil {
			return nil, err
		}
		if e.Metadata, err = decodeJSON(meta); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMicros(eCreated)
		n.CreatedAt = fromMicros(created)
		n.Activity = &e
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID).Scan(&n)
	return n, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, notificationID string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE notification_id = $1`, notificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) TakePendingEvents(ctx context.Context, agentID string) ([]store.AgentEvent, error) {
	rows, err := s.Pool.Query(ctx, `
UPDATE agent_events SET status = 'delivered'
WHERE event_id IN (
  SELECT event_id FROM agent_events WHERE agent_id = $1 AND status = 'pending' FOR UPDATE SKIP LOCKED
)
RETURNING event_id, agent_id, type, payload, status, created_at`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.AgentEvent
	for rows.Next() {
		var (
			ev      store.AgentEvent
			payload []byte
			created int64
		)
		if err := rows.Scan(&ev.EventID, &ev.AgentID, &ev.Type, &payload, &ev.Status, &created); err != nil {
			return nil, err
		}
		if ev.Payload, err = decodeJSON(payload); err != nil {
			return nil, err
		}
		ev.CreatedAt = fromMicros(created)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) EnqueueEffects(ctx context.Context, effects []store.Effect) error {
	if len(effects) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return writeProvenance(ctx, tx, store.Provenance{Effects: effects})
	})
}

func (s *Store) ClaimDueEffects(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]store.Effect, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.Pool.Query(ctx, `
UPDATE effects SET next_attempt_at = $1, updated_at = $2, lease_id = gen_random_uuid()::text
WHERE effect_id IN (
  SELECT effect_id FROM effects WHERE status = 'pending' AND next_attempt_at <= $2
  ORDER BY next_attempt_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED
)
RETURNING `+effectColumns, toMicros(now.Add(lease)), toMicros(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) AcquireEffect(ctx context.Context, effectID, leaseID string, until time.Time) (string, error) {
	next := uuid.NewString()
	tag, err := s.Pool.Exec(ctx, `
UPDATE effects SET lease_id = $1, next_attempt_at = $2, updated_at = $3
WHERE effect_id = $4 AND status = 'pending' AND lease_id = $5`,
		next, toMicros(until), toMicros(time.Now()), effectID, leaseID)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", store.ErrLeaseLost
	}
	return next, nil
}

func (s *Store) GetEffect(ctx context.Context, effectID string) (*store.Effect, error) {
	e, err := scanEffect(s.Pool.QueryRow(ctx, `SELECT `+effectColumns+` FROM effects WHERE effect_id = $1`, effectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func scanEffect(row pgx.Row) (*store.Effect, error) {
	var (
		e             store.Effect
		payload       string
		next, created int64
	)
	if err := row.Scan(&e.EffectID, &e.Kind, &payload, &e.Status, &e.Attempts, &next, &e.LastError, &created, &e.LeaseID); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.NextAttemptAt = fromMicros(next)
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

func (s *Store) CompleteEffect(ctx context.Context, effectID, leaseID string, attempts int) error {
	return s.setEffect(ctx, effectID, leaseID, store.EffectDone, attempts, time.Now(), nil)
}

func (s *Store) RetryEffect(ctx context.Context, effectID, leaseID string, attempts int, next time.Time, lastErr string) error {
	return s.setEffect(ctx, effectID, leaseID, store.EffectPending, attempts, next, &lastErr)
}

func (s *Store) KillEffect(ctx context.Context, effectID, leaseID string, attempts int, lastErr string) error {
	return s.setEffect(ctx, effectID, leaseID, store.EffectDead, attempts, time.Now(), &lastErr)
}

func (s *Store) setEffect(ctx context.Context, effectID, leaseID, status string, attempts int, next time.Time, lastErr *string) error {
	tag, err := s.Pool.Exec(ctx, `
UPDATE effects SET status = $1, attempts = $2, next_attempt_at = $3, last_error = COALESCE($4, last_error), updated_at = $5
WHERE effect_id = $6 AND status = 'pending' AND lease_id = $7`,
		status, attempts, toMicros(next), lastErr, toMicros(time.Now()), effectID, leaseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (s *Store) CountPendingEffects(ctx context.Context) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM effects WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func writeProvenance(ctx context.Context, tx pgx.Tx, p store.Provenance) error {
	now := time.Now()
	if a := p.Action; a != nil {
		payload, err := encodeJSON(a.Payload)
		if err != nil {
			return err
		}
		if a.ActionID == "" {
			a.ActionID = uuid.NewString()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO card_actions(action_id, card_id, agent_id, type, action, payload, status, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ActionID, a.CardID, a.AgentID, a.Type, a.Action, payload, a.Status, toMicros(a.CreatedAt)); err != nil {
			return fmt.Errorf("insert card action: %w", err)
		}
	}
	for _, e := range p.Activities {
		if err := insertActivity(ctx, tx, e); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
	}
	for _, ev := range p.Events {
		payload, err := encodeJSON(ev.Payload)
		if err != nil {
			return err
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO agent_events(event_id, agent_id, type, payload, status, created_at) VALUES($1, $2, $3, $4, 'pending', $5)`,
			ev.EventID, ev.AgentID, ev.Type, payload, toMicros(ev.CreatedAt)); err != nil {
			return fmt.Errorf("insert agent event: %w", err)
		}
	}
	for _, e := range p.Effects {
		if e.EffectID == "" {
			return errors.New("effect id required")
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = e.CreatedAt
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO effects(effect_id, kind, payload, status, attempts, next_attempt_at, lease_id, created_at, updated_at)
VALUES($1, $2, $3, 'pending', 0, $4, $5, $6, $7)`,
			e.EffectID, e.Kind, string(e.Payload), toMicros(e.NextAttemptAt), e.LeaseID, toMicros(e.CreatedAt), toMicros(now)); err != nil {
			return fmt.Errorf("insert effect: %w", err)
		}
	}
	return nil
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func toNullTime(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := toMicros(*t)
	return &v
}

func encodeJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
