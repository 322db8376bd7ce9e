package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/klppl/atbridge/internal/model"
)

// EnqueueDelivery inserts a durable outbound-queue item so a dispatch
// failure survives a process restart. Returns the generated item id.
func (s *Store) EnqueueDelivery(item model.OutboundQueueItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	q := `INSERT INTO outbound_queue
		(id, activity_id, recipient_kind, recipient_url, actor_id, body, attempt, next_attempt_at, created_at, last_error)
		VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `,` + s.ph(4) + `,` + s.ph(5) + `,` +
		s.ph(6) + `,` + s.ph(7) + `,` + s.ph(8) + `,` + s.ph(9) + `,` + s.ph(10) + `)`
	_, err := s.db.Exec(q, item.ID, item.ActivityID, string(item.RecipientKind), item.RecipientURL,
		item.ActorID, string(item.Body), item.Attempt, item.NextAttemptAt.UTC().Format(time.RFC3339Nano),
		nowStr(), item.LastError)
	return item.ID, err
}

// DueDeliveries returns up to limit queue items whose next_attempt_at has
// passed, ordered oldest-due first so retries resume in the order they were
// originally scheduled.
func (s *Store) DueDeliveries(now time.Time, limit int) ([]model.OutboundQueueItem, error) {
	q := `SELECT id, activity_id, recipient_kind, recipient_url, actor_id, body, attempt, next_attempt_at, created_at, last_error
		FROM outbound_queue WHERE next_attempt_at <= ` + s.ph(1) + `
		ORDER BY next_attempt_at ASC LIMIT ` + s.ph(2)
	rows, err := s.db.Query(q, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OutboundQueueItem
	for rows.Next() {
		var it model.OutboundQueueItem
		var kind, next, created, body string
		if err := rows.Scan(&it.ID, &it.ActivityID, &kind, &it.RecipientURL, &it.ActorID, &body,
			&it.Attempt, &next, &created, &it.LastError); err != nil {
			return nil, err
		}
		it.RecipientKind = model.RecipientKind(kind)
		it.Body = []byte(body)
		it.NextAttemptAt = parseTime(next)
		it.CreatedAt = parseTime(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

// RescheduleDelivery bumps attempt and next_attempt_at after a failed try.
func (s *Store) RescheduleDelivery(id string, attempt int, nextAttemptAt time.Time, lastErr string) error {
	q := `UPDATE outbound_queue SET attempt = ` + s.ph(1) + `, next_attempt_at = ` + s.ph(2) +
		`, last_error = ` + s.ph(3) + ` WHERE id = ` + s.ph(4)
	_, err := s.db.Exec(q, attempt, nextAttemptAt.UTC().Format(time.RFC3339Nano), lastErr, id)
	return err
}

// DeleteDelivery removes a queue item after it is delivered or exhausts its
// retry schedule.
func (s *Store) DeleteDelivery(id string) error {
	_, err := s.db.Exec(`DELETE FROM outbound_queue WHERE id = `+s.ph(1), id)
	return err
}

// ─── Key-Value store ──────────────────────────────────────────────────────────

// SetKV upserts a key-value pair; used for the firehose replay cursor and
// notifier/poller cycle markers.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// ─── Audit log ────────────────────────────────────────────────────────────────

// AuditLogEntry is one record in the append-only audit log.
type AuditLogEntry struct {
	Timestamp string `json:"ts"`
	Action    string `json:"action"`
	Detail    string `json:"detail"`
}

// WriteAuditLog appends a new entry. Best-effort: callers should log but not
// propagate any error.
func (s *Store) WriteAuditLog(action, detail string) error {
	q := `INSERT INTO audit_log (ts, action, detail) VALUES (` + s.ph(1) + `,` + s.ph(2) + `,` + s.ph(3) + `)`
	_, err := s.db.Exec(q, nowStr(), action, detail)
	return err
}

// GetAuditLog returns up to limit entries, newest first.
func (s *Store) GetAuditLog(limit int) ([]AuditLogEntry, error) {
	q := `SELECT ts, action, detail FROM audit_log ORDER BY ts DESC LIMIT ` + s.ph(1)
	rows, err := s.db.Query(q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
