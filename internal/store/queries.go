package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	agentColumns = `agent_id, name, email, api_key, webhook_url, created_at`
	cardColumns  = `card_id, template_id, agent_id, data, status, version, created_at, updated_at`
)

type rowScanner interface{ Scan(dest ...any) error }

// --- agents ---

func (s *sqliteStore) CreateAgent(ctx context.Context, a Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES(?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.Name, a.Email, a.APIKey, toNull(a.WebhookURL), toMicros(a.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("agent %s: %w", a.Email, ErrDuplicate)
	}
	return err
}

func (s *sqliteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

func (s *sqliteStore) GetAgentByAPIKey(ctx context.Context, apiKey string) (*Agent, error) {
	return scanAgent(s.stmtGetAgentByKey.QueryRowContext(ctx, apiKey))
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a       Agent
		webhook sql.NullString
		created int64
	)
	if err := row.Scan(&a.AgentID, &a.Name, &a.Email, &a.APIKey, &webhook, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.WebhookURL = fromNull(webhook)
	a.CreatedAt = fromMicros(created)
	return &a, nil
}

// --- cards ---

func (s *sqliteStore) CreateCard(ctx context.Context, c Card, p Provenance) error {
	data, err := encodeJSON(c.Data)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CardID, c.TemplateID, c.AgentID, data, c.Status, c.Version, toMicros(c.CreatedAt), toMicros(c.UpdatedAt)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("card %s: %w", c.CardID, ErrDuplicate)
		}
		return err
	}
	if err := s.writeProvenance(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetCard(ctx context.Context, cardID string) (*Card, error) {
	return scanCard(s.stmtGetCard.QueryRowContext(ctx, cardID))
}

func (s *sqliteStore) ListCardsByAgent(ctx context.Context, agentID string, limit int) ([]Card, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCard(row rowScanner) (*Card, error) {
	var (
		c                Card
		data             string
		created, updated int64
	)
	if err := row.Scan(&c.CardID, &c.TemplateID, &c.AgentID, &data, &c.Status, &c.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
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

func (s *sqliteStore) UpdateCard(ctx context.Context, c Card, expectedVersion int64, p Provenance) error {
	data, err := encodeJSON(c.Data)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.StmtContext(ctx, s.stmtUpdateCardCAS).ExecContext(ctx, c.Status, data, toMicros(c.UpdatedAt), c.CardID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM cards WHERE card_id = ?`, c.CardID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("card %s at version %d: %w", c.CardID, expectedVersion, ErrVersionConflict)
	}
	if err := s.writeProvenance(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListCardActions(ctx context.Context, cardID string) ([]CardAction, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT action_id, card_id, agent_id, type, action, payload, status, created_at
FROM card_actions WHERE card_id = ? ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CardAction
	for rows.Next() {
		var (
			a       CardAction
			payload string
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

func (s *sqliteStore) CountCardsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM cards GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// --- comments ---

func (s *sqliteStore) CreateComment(ctx context.Context, c Comment, p Provenance) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO comments(comment_id, card_id, author_type, author_id, author_name, content, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommentID, c.CardID, c.AuthorType, c.AuthorID, c.AuthorName, c.Content, toMicros(c.CreatedAt), toNullTime(c.UpdatedAt)); err != nil {
		return err
	}
	if err := s.writeProvenance(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

const commentColumns = `comment_id, card_id, author_type, author_id, author_name, content, created_at, updated_at`

func (s *sqliteStore) GetComment(ctx context.Context, commentID string) (*Comment, error) {
	return scanComment(s.DB.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE comment_id = ?`, commentID))
}

func (s *sqliteStore) ListComments(ctx context.Context, cardID string) ([]Comment, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE card_id = ? ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanComment(row rowScanner) (*Comment, error) {
	var (
		c       Comment
		created int64
		updated sql.NullInt64
	)
	if err := row.Scan(&c.CommentID, &c.CardID, &c.AuthorType, &c.AuthorID, &c.AuthorName, &c.Content, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = fromMicros(created)
	if updated.Valid {
		t := fromMicros(updated.Int64)
		c.UpdatedAt = &t
	}
	return &c, nil
}

func (s *sqliteStore) DeleteComment(ctx context.Context, commentID string, p Provenance) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE comment_id = ?`, commentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := s.writeProvenance(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// --- reactions ---

func (s *sqliteStore) ToggleReaction(ctx context.Context, r Reaction, onAdd, onRemove Provenance) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT reaction_id FROM reactions WHERE card_id = ? AND author_id = ? AND emoji = ?`,
		r.CardID, r.AuthorID, r.Emoji).Scan(&existing)
	added := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO reactions(reaction_id, card_id, author_type, author_id, emoji, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
			r.ReactionID, r.CardID, r.AuthorType, r.AuthorID, r.Emoji, toMicros(r.CreatedAt)); err != nil {
			return false, err
		}
		added = true
		err = s.writeProvenance(ctx, tx, onAdd)
	case err != nil:
		return false, err
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE reaction_id = ?`, existing); err != nil {
			return false, err
		}
		err = s.writeProvenance(ctx, tx, onRemove)
	}
	if err != nil {
		return false, err
	}
	return added, tx.Commit()
}

func (s *sqliteStore) ListReactions(ctx context.Context, cardID string) ([]Reaction, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT reaction_id, card_id, author_type, author_id, emoji, created_at
FROM reactions WHERE card_id = ? ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var (
			r       Reaction
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

func (s *sqliteStore) ListCollaborators(ctx context.Context, cardID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT author_id FROM comments WHERE card_id = ? AND author_type = 'human'
UNION
SELECT author_id FROM reactions WHERE card_id = ? AND author_type = 'human'`, cardID, cardID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

// --- activity ---

func (s *sqliteStore) AppendActivity(ctx context.Context, e ActivityEntry) error {
	return insertActivity(ctx, s.stmtInsertActivity, e)
}

func insertActivity(ctx context.Context, st *sql.Stmt, e ActivityEntry) error {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = st.ExecContext(ctx, e.ActivityID, e.Action, e.ActorType, e.ActorID,
		toNull(e.ActorName), toNull(e.TargetType), toNull(e.TargetID), meta, toMicros(e.CreatedAt))
	return err
}

const activityColumns = `activity_id, action, actor_type, actor_id, actor_name, target_type, target_id, metadata, created_at`

func (s *sqliteStore) ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
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
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanActivity(row rowScanner) (*ActivityEntry, error) {
	var (
		e                ActivityEntry
		name, ttype, tid sql.NullString
		meta             string
		created          int64
	)
	if err := row.Scan(&e.ActivityID, &e.Action, &e.ActorType, &e.ActorID, &name, &ttype, &tid, &meta, &created); err != nil {
		return nil, err
	}
	m, err := decodeJSON(meta)
	if err != nil {
		return nil, err
	}
	e.ActorName, e.TargetType, e.TargetID = fromNull(name), fromNull(ttype), fromNull(tid)
	e.Metadata = m
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

// --- notifications ---

func (s *sqliteStore) CreateNotifications(ctx context.Context, ns []Notification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range ns {
		if n.NotificationID == "" {
			n.NotificationID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		// A retried notify effect must not double-notify.
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO notifications(notification_id, user_id, activity_id, read, created_at) VALUES(?, ?, ?, ?, ?)`,
			n.NotificationID, n.UserID, n.ActivityID, n.Read, toMicros(n.CreatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
SELECT n.notification_id, n.user_id, n.activity_id, n.read, n.created_at,
  a.activity_id, a.action, a.actor_type, a.actor_id, a.actor_name, a.target_type, a.target_id, a.metadata, a.created_at
FROM notifications n
JOIN activity_log a ON a.activity_id = n.activity_id
WHERE n.user_id = ?`
	if unreadOnly {
		q += ` AND n.read = 0`
	}
	q += ` ORDER BY n.created_at DESC LIMIT ?`

	rows, err := s.DB.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var (
			n                Notification
			created          int64
			e                ActivityEntry
			name, ttype, tid sql.NullString
			meta             string
			eCreated         int64
		)
		if err := rows.Scan(&n.NotificationID, &n.UserID, &n.ActivityID, &n.Read, &created,
			&e.ActivityID, &e.Action, &e.ActorType, &e.ActorID, &name, &ttype, &tid, &meta, &eCreated); err != nil {
			return nil, err
		}
		if e.Metadata, err = decodeJSON(meta); err != nil {
			return nil, err
		}
		e.ActorName, e.TargetType, e.TargetID = fromNull(name), fromNull(ttype), fromNull(tid)
		e.CreatedAt = fromMicros(eCreated)
		n.CreatedAt = fromMicros(created)
		n.Activity = &e
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.stmtCountUnread.QueryRowContext(ctx, userID).Scan(&n)
	return n, err
}

func (s *sqliteStore) MarkNotificationRead(ctx context.Context, notificationID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE notification_id = ?`, notificationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- agent events ---

func (s *sqliteStore) TakePendingEvents(ctx context.Context, agentID string) ([]AgentEvent, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT event_id, agent_id, type, payload, created_at
FROM agent_events WHERE agent_id = ? AND status = 'pending' ORDER BY created_at ASC, rowid ASC`, agentID)
	if err != nil {
		return nil, err
	}
	var out []AgentEvent
	for rows.Next() {
		var (
			ev      AgentEvent
			payload string
			created int64
		)
		if err := rows.Scan(&ev.EventID, &ev.AgentID, &ev.Type, &payload, &created); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if ev.Payload, err = decodeJSON(payload); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ev.Status = "delivered"
		ev.CreatedAt = fromMicros(created)
		out = append(out, ev)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, ev := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE agent_events SET status = 'delivered' WHERE event_id = ?`, ev.EventID); err != nil {
			return nil, err
		}
	}
	return out, tx.Commit()
}

// --- effect outbox ---

func (s *sqliteStore) EnqueueEffects(ctx context.Context, effects []Effect) error {
	if len(effects) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.writeProvenance(ctx, tx, Provenance{Effects: effects}); err != nil {
		return err
	}
	return tx.Commit()
}

const effectColumns = `effect_id, kind, payload, status, attempts, next_attempt_at, last_error, created_at, lease_id`

func (s *sqliteStore) ClaimDueEffects(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Effect, error) {
	if limit <= 0 {
		limit = 32
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+effectColumns+` FROM effects
WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`, toMicros(now), limit)
	if err != nil {
		return nil, err
	}
	var out []Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	leased := now.Add(lease)
	for i := range out {
		leaseID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `UPDATE effects SET next_attempt_at = ?, lease_id = ?, updated_at = ? WHERE effect_id = ?`,
			toMicros(leased), leaseID, toMicros(now), out[i].EffectID); err != nil {
			return nil, err
		}
		out[i].NextAttemptAt = leased
		out[i].LeaseID = leaseID
	}
	return out, tx.Commit()
}

func (s *sqliteStore) AcquireEffect(ctx context.Context, effectID, leaseID string, until time.Time) (string, error) {
	next := uuid.NewString()
	res, err := s.DB.ExecContext(ctx, `
UPDATE effects SET lease_id = ?, next_attempt_at = ?, updated_at = ?
WHERE effect_id = ? AND status = 'pending' AND lease_id = ?`,
		next, toMicros(until), toMicros(time.Now()), effectID, leaseID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrLeaseLost
	}
	return next, nil
}

func (s *sqliteStore) GetEffect(ctx context.Context, effectID string) (*Effect, error) {
	e, err := scanEffect(s.DB.QueryRowContext(ctx, `SELECT `+effectColumns+` FROM effects WHERE effect_id = ?`, effectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEffect(row rowScanner) (*Effect, error) {
	var (
		e             Effect
		payload       string
		next, created int64
		lastErr       sql.NullString
	)
	if err := row.Scan(&e.EffectID, &e.Kind, &payload, &e.Status, &e.Attempts, &next, &lastErr, &created, &e.LeaseID); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.NextAttemptAt = fromMicros(next)
	e.LastError = fromNull(lastErr)
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

func (s *sqliteStore) CompleteEffect(ctx context.Context, effectID, leaseID string, attempts int) error {
	return s.setEffect(ctx, effectID, leaseID, EffectDone, attempts, time.Now(), nil)
}

func (s *sqliteStore) RetryEffect(ctx context.Context, effectID, leaseID string, attempts int, next time.Time, lastErr string) error {
	return s.setEffect(ctx, effectID, leaseID, EffectPending, attempts, next, &lastErr)
}

func (s *sqliteStore) KillEffect(ctx context.Context, effectID, leaseID string, attempts int, lastErr string) error {
	return s.setEffect(ctx, effectID, leaseID, EffectDead, attempts, time.Now(), &lastErr)
}

func (s *sqliteStore) setEffect(ctx context.Context, effectID, leaseID, status string, attempts int, next time.Time, lastErr *string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE effects SET status = ?, attempts = ?, next_attempt_at = ?, last_error = COALESCE(?, last_error), updated_at = ?
WHERE effect_id = ? AND status = 'pending' AND lease_id = ?`,
		status, attempts, toMicros(next), toNull(lastErr), toMicros(time.Now()), effectID, leaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqliteStore) CountPendingEffects(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM effects WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// writeProvenance inserts the records that accompany a primary write inside tx.
func (s *sqliteStore) writeProvenance(ctx context.Context, tx *sql.Tx, p Provenance) error {
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
		if _, err := tx.ExecContext(ctx, `
INSERT INTO card_actions(action_id, card_id, agent_id, type, action, payload, status, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ActionID, a.CardID, a.AgentID, a.Type, a.Action, payload, a.Status, toMicros(a.CreatedAt)); err != nil {
			return fmt.Errorf("insert card action: %w", err)
		}
	}
	if len(p.Activities) > 0 {
		st := tx.StmtContext(ctx, s.stmtInsertActivity)
		for _, e := range p.Activities {
			if err := insertActivity(ctx, st, e); err != nil {
				return fmt.Errorf("insert activity: %w", err)
			}
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
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_events(event_id, agent_id, type, payload, status, created_at) VALUES(?, ?, ?, ?, 'pending', ?)`,
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
		if _, err := tx.ExecContext(ctx, `
INSERT INTO effects(effect_id, kind, payload, status, attempts, next_attempt_at, lease_id, created_at, updated_at)
VALUES(?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			e.EffectID, e.Kind, string(e.Payload), toMicros(e.NextAttemptAt), e.LeaseID, toMicros(e.CreatedAt), toMicros(now)); err != nil {
			return fmt.Errorf("insert effect: %w", err)
		}
	}
	return nil
}

// --- helpers ---

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func toNull(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func toNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

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

func decodeJSON(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
