package store

import (
	"time"

	"github.com/klppl/atbridge/internal/model"
)

// UpsertKeyPair stores a key pair. atproto.EnsureKeyPairs serializes
// generation per identifier within one process; a second write for the same
// (userDID, algorithm) is ignored so a racing generator never clobbers the
// first one.
func (s *Store) UpsertKeyPair(kp model.KeyPair) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO key_pairs (user_did, algorithm, public_key, private_key) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO key_pairs (user_did, algorithm, public_key, private_key) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, kp.UserDID, string(kp.Algorithm), kp.PublicKey, kp.PrivateKey)
	return err
}

// GetKeyPair returns the stored key pair for (userDID, algorithm), if any.
func (s *Store) GetKeyPair(userDID string, algorithm model.Algorithm) (model.KeyPair, bool) {
	q := `SELECT user_did, algorithm, public_key, private_key FROM key_pairs
		WHERE user_did = ` + s.ph(1) + ` AND algorithm = ` + s.ph(2)
	row := s.db.QueryRow(q, userDID, string(algorithm))
	var kp model.KeyPair
	var alg string
	if err := row.Scan(&kp.UserDID, &alg, &kp.PublicKey, &kp.PrivateKey); err != nil {
		return model.KeyPair{}, false
	}
	kp.Algorithm = model.Algorithm(alg)
	return kp, true
}

// UpsertBridgeAccount creates or updates one of the two bridge-account rows.
func (s *Store) UpsertBridgeAccount(a model.BridgeAccount) error {
	now := nowStr()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO bridge_accounts (role, did, handle, password, access_token, refresh_token, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(role) DO UPDATE SET
				did=excluded.did, handle=excluded.handle, password=excluded.password,
				access_token=excluded.access_token, refresh_token=excluded.refresh_token,
				updated_at=excluded.updated_at`
	} else {
		q = `INSERT INTO bridge_accounts (role, did, handle, password, access_token, refresh_token, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT(role) DO UPDATE SET
				did=EXCLUDED.did, handle=EXCLUDED.handle, password=EXCLUDED.password,
				access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token,
				updated_at=EXCLUDED.updated_at`
	}
	created := now
	if existing, ok := s.GetBridgeAccount(a.Role); ok {
		created = existing.CreatedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(q, string(a.Role), a.DID, a.Handle, a.Password, a.AccessToken, a.RefreshToken, created, now)
	return err
}

// GetBridgeAccount returns the bridge account for the given role, if it has
// been created.
func (s *Store) GetBridgeAccount(role model.BridgeRole) (model.BridgeAccount, bool) {
	q := `SELECT role, did, handle, password, access_token, refresh_token, created_at, updated_at
		FROM bridge_accounts WHERE role = ` + s.ph(1)
	row := s.db.QueryRow(q, string(role))
	var a model.BridgeAccount
	var r, created, updated string
	if err := row.Scan(&r, &a.DID, &a.Handle, &a.Password, &a.AccessToken, &a.RefreshToken, &created, &updated); err != nil {
		return model.BridgeAccount{}, false
	}
	a.Role = model.BridgeRole(r)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, true
}

// DeleteBridgeAccount removes a bridge account row (used when login fails
// and the account must be recreated from scratch).
func (s *Store) DeleteBridgeAccount(role model.BridgeRole) error {
	q := `DELETE FROM bridge_accounts WHERE role = ` + s.ph(1)
	_, err := s.db.Exec(q, string(role))
	return err
}
