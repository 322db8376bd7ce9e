package store

import "github.com/klppl/atbridge/internal/model"

// AddPostMapping is idempotent on at_uri (primary key) and enforces that
// ap_note_id stays unique across the table (invariant 5 in the testable
// properties list).
func (s *Store) AddPostMapping(m model.PostMapping) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO post_mappings (at_uri, ap_note_id, ap_actor_id, ap_actor_inbox, created_at)
			VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO post_mappings (at_uri, ap_note_id, ap_actor_id, ap_actor_inbox, created_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, m.ATUri, m.APNoteID, m.APActorID, m.APActorInbox, nowStr())
	return err
}

// GetPostMappingByATUri returns the mapping for a local record, if any.
func (s *Store) GetPostMappingByATUri(atURI string) (model.PostMapping, bool) {
	return s.getPostMapping(`at_uri = `+s.ph(1), atURI)
}

// GetPostMappingByAPNoteID returns the mapping created in response to the
// given remote AP Note id, if any.
func (s *Store) GetPostMappingByAPNoteID(apNoteID string) (model.PostMapping, bool) {
	return s.getPostMapping(`ap_note_id = `+s.ph(1), apNoteID)
}

func (s *Store) getPostMapping(where string, arg any) (model.PostMapping, bool) {
	q := `SELECT at_uri, ap_note_id, ap_actor_id, ap_actor_inbox, created_at FROM post_mappings WHERE ` + where
	row := s.db.QueryRow(q, arg)
	var m model.PostMapping
	var created string
	if err := row.Scan(&m.ATUri, &m.APNoteID, &m.APActorID, &m.APActorInbox, &created); err != nil {
		return model.PostMapping{}, false
	}
	m.CreatedAt = parseTime(created)
	return m, true
}

// DeletePostMapping removes a mapping by its local atUri.
func (s *Store) DeletePostMapping(atURI string) error {
	q := `DELETE FROM post_mappings WHERE at_uri = ` + s.ph(1)
	_, err := s.db.Exec(q, atURI)
	return err
}

// DeletePostMappingsByActor removes every mapping created from the given
// remote actor, used by Delete(actor) cascading cleanup.
func (s *Store) DeletePostMappingsByActor(apActorID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT at_uri FROM post_mappings WHERE ap_actor_id = `+s.ph(1), apActorID)
	if err != nil {
		return nil, err
	}
	atURIs, err := scanStringRows(rows)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`DELETE FROM post_mappings WHERE ap_actor_id = `+s.ph(1), apActorID); err != nil {
		return nil, err
	}
	return atURIs, nil
}

// ─── MonitoredPost ────────────────────────────────────────────────────────────

// AddMonitoredPost is idempotent on at_uri.
func (s *Store) AddMonitoredPost(m model.MonitoredPost) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO monitored_posts (at_uri, author_did, last_checked, created_at) VALUES (?, ?, '', ?)`
	} else {
		q = `INSERT INTO monitored_posts (at_uri, author_did, last_checked, created_at) VALUES ($1, $2, '', $3) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, m.ATUri, m.AuthorDID, nowStr())
	return err
}

// ListMonitoredPostsOldestFirst returns up to limit monitored posts ordered
// by last_checked ascending (never-checked rows, empty string, sort first).
func (s *Store) ListMonitoredPostsOldestFirst(limit int) ([]model.MonitoredPost, error) {
	q := `SELECT at_uri, author_did, last_checked, created_at FROM monitored_posts
		ORDER BY last_checked ASC LIMIT ` + s.ph(1)
	rows, err := s.db.Query(q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MonitoredPost
	for rows.Next() {
		var m model.MonitoredPost
		var lastChecked, created string
		if err := rows.Scan(&m.ATUri, &m.AuthorDID, &lastChecked, &created); err != nil {
			return nil, err
		}
		if lastChecked != "" {
			t := parseTime(lastChecked)
			m.LastChecked = &t
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchMonitoredPost updates last_checked to now, regardless of poll outcome.
func (s *Store) TouchMonitoredPost(atURI string) error {
	q := `UPDATE monitored_posts SET last_checked = ` + s.ph(1) + ` WHERE at_uri = ` + s.ph(2)
	_, err := s.db.Exec(q, nowStr(), atURI)
	return err
}

// ─── ExternalReply ────────────────────────────────────────────────────────────

// ExternalReplyExists reports whether a reply atUri has already been ingested.
func (s *Store) ExternalReplyExists(atURI string) bool {
	var x int
	err := s.db.QueryRow(`SELECT 1 FROM external_replies WHERE at_uri = `+s.ph(1), atURI).Scan(&x)
	return err == nil
}

// AddExternalReply is idempotent on at_uri.
func (s *Store) AddExternalReply(r model.ExternalReply) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO external_replies (at_uri, parent_at_uri, author_did, ap_note_id, created_at)
			VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO external_replies (at_uri, parent_at_uri, author_did, ap_note_id, created_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, r.ATUri, r.ParentATUri, r.AuthorDID, r.APNoteID, nowStr())
	return err
}
