package store

import (
	"time"

	"github.com/klppl/atbridge/internal/model"
)

// AddFollow is idempotent on (user_did, actor_uri): a duplicate insert is a
// no-op, since the inbox may replay the same Follow activity.
func (s *Store) AddFollow(f model.Follow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO follows (user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO follows (user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, f.UserDID, f.ActorURI, f.ActivityID, f.ActorInbox, f.ActorSharedInbox, nowStr())
	return err
}

// RemoveFollow deletes the follow row for (userDID, actorURI). Used for
// Undo(Follow).
func (s *Store) RemoveFollow(userDID, actorURI string) error {
	q := `DELETE FROM follows WHERE user_did = ` + s.ph(1) + ` AND actor_uri = ` + s.ph(2)
	_, err := s.db.Exec(q, userDID, actorURI)
	return err
}

// RemoveFollowsByActor deletes every follow row from the given actor,
// across all local accounts. Used for Delete(actor) cascading cleanup.
func (s *Store) RemoveFollowsByActor(actorURI string) error {
	q := `DELETE FROM follows WHERE actor_uri = ` + s.ph(1)
	_, err := s.db.Exec(q, actorURI)
	return err
}

// GetFollow returns the follow row for (userDID, actorURI), if present.
func (s *Store) GetFollow(userDID, actorURI string) (model.Follow, bool) {
	q := `SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
		FROM follows WHERE user_did = ` + s.ph(1) + ` AND actor_uri = ` + s.ph(2)
	row := s.db.QueryRow(q, userDID, actorURI)
	var f model.Follow
	var created string
	if err := row.Scan(&f.UserDID, &f.ActorURI, &f.ActivityID, &f.ActorInbox, &f.ActorSharedInbox, &created); err != nil {
		return model.Follow{}, false
	}
	f.CreatedAt = parseTime(created)
	return f, true
}

// HasFollowActivity reports whether a Follow with this activityId has
// already been recorded for userDID.
func (s *Store) HasFollowActivity(userDID, activityID string) bool {
	q := `SELECT 1 FROM follows WHERE user_did = ` + s.ph(1) + ` AND activity_id = ` + s.ph(2)
	var x int
	return s.db.QueryRow(q, userDID, activityID).Scan(&x) == nil
}

// ListFollowers returns followers of userDID using keyset pagination over
// created_at descending. Returns limit+1 rows internally to compute
// nextCursor; the returned page contains at most limit items.
func (s *Store) ListFollowers(userDID string, cursor model.Cursor, limit int) (model.Page[model.Follow], error) {
	var q string
	args := []any{userDID}
	if cursor == "" {
		q = `SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
			FROM follows WHERE user_did = ` + s.ph(1) + `
			ORDER BY created_at DESC LIMIT ` + s.ph(2)
		args = append(args, limit+1)
	} else {
		q = `SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
			FROM follows WHERE user_did = ` + s.ph(1) + ` AND created_at < ` + s.ph(2) + `
			ORDER BY created_at DESC LIMIT ` + s.ph(3)
		args = append(args, cursor, limit+1)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return model.Page[model.Follow]{}, err
	}
	defer rows.Close()

	var items []model.Follow
	for rows.Next() {
		var f model.Follow
		var created string
		if err := rows.Scan(&f.UserDID, &f.ActorURI, &f.ActivityID, &f.ActorInbox, &f.ActorSharedInbox, &created); err != nil {
			return model.Page[model.Follow]{}, err
		}
		f.CreatedAt = parseTime(created)
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.Follow]{}, err
	}

	page := model.Page[model.Follow]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = items[limit-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return page, nil
}

// AllFollowersWithSharedInbox returns every follower row for userDID, used
// by the OutboundDispatcher's followers-mode fan-out (not paginated: the
// dispatcher needs the complete recipient set for one delivery round).
func (s *Store) AllFollowersWithSharedInbox(userDID string) ([]model.Follow, error) {
	q := `SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
		FROM follows WHERE user_did = ` + s.ph(1)
	rows, err := s.db.Query(q, userDID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Follow
	for rows.Next() {
		var f model.Follow
		var created string
		if err := rows.Scan(&f.UserDID, &f.ActorURI, &f.ActivityID, &f.ActorInbox, &f.ActorSharedInbox, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}
