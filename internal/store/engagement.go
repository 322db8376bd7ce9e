package store

import (
	"strings"
	"time"

	"github.com/klppl/atbridge/internal/model"
)

// AddEngagementEvent is idempotent on activity_id.
func (s *Store) AddEngagementEvent(e model.EngagementEvent) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO engagement_events
			(activity_id, kind, post_at_uri, post_author_did, ap_actor_id, created_at, notified_at)
			VALUES (?, ?, ?, ?, ?, ?, '')`
	} else {
		q = `INSERT INTO engagement_events
			(activity_id, kind, post_at_uri, post_author_did, ap_actor_id, created_at, notified_at)
			VALUES ($1, $2, $3, $4, $5, $6, '') ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, e.ActivityID, string(e.Kind), e.PostATUri, e.PostAuthorDID, e.APActorID, nowStr())
	return err
}

// DeleteEngagementEvent removes a Like/Share by activityId (Undo).
func (s *Store) DeleteEngagementEvent(activityID string) error {
	_, err := s.db.Exec(`DELETE FROM engagement_events WHERE activity_id = `+s.ph(1), activityID)
	return err
}

// DeleteEngagementEventsByActor removes every Like/Share from the given
// remote actor, used by Delete(actor) cascading cleanup.
func (s *Store) DeleteEngagementEventsByActor(apActorID string) error {
	_, err := s.db.Exec(`DELETE FROM engagement_events WHERE ap_actor_id = `+s.ph(1), apActorID)
	return err
}

// GetUnnotified returns up to limit rows of the given kind with
// notified_at IS NULL (empty string sentinel) and created_at <= olderThan,
// ordered by created_at ascending.
func (s *Store) GetUnnotified(kind model.EngagementKind, olderThan time.Time, limit int) ([]model.EngagementEvent, error) {
	q := `SELECT activity_id, kind, post_at_uri, post_author_did, ap_actor_id, created_at, notified_at
		FROM engagement_events
		WHERE kind = ` + s.ph(1) + ` AND notified_at = '' AND created_at <= ` + s.ph(2) + `
		ORDER BY created_at ASC LIMIT ` + s.ph(3)
	rows, err := s.db.Query(q, string(kind), olderThan.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EngagementEvent
	for rows.Next() {
		var e model.EngagementEvent
		var k, created, notified string
		if err := rows.Scan(&e.ActivityID, &k, &e.PostATUri, &e.PostAuthorDID, &e.APActorID, &created, &notified); err != nil {
			return nil, err
		}
		e.Kind = model.EngagementKind(k)
		e.CreatedAt = parseTime(created)
		if notified != "" {
			t := parseTime(notified)
			e.NotifiedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkNotified sets notified_at = now for the given activity ids, atomically.
// notified_at is only ever set forward: rows already marked are left as-is.
func (s *Store) MarkNotified(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, nowStr())
	for i, id := range ids {
		placeholders[i] = s.ph(i + 2)
		args = append(args, id)
	}
	q := `UPDATE engagement_events SET notified_at = ` + s.ph(1) +
		` WHERE activity_id IN (` + strings.Join(placeholders, ",") + `) AND notified_at = ''`
	_, err := s.db.Exec(q, args...)
	return err
}
