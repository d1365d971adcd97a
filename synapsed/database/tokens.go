package database

import (
	"context"

	"golang.org/x/xerrors"
)

// ErrTokenExists is returned when an access token string is already
// registered to some user.
var ErrTokenExists = xerrors.New("access token already exists")

// AddAccessToken registers an access token for a user and returns its
// row ID. Token strings are unique across the server; a duplicate
// insert reports ErrTokenExists so callers can mint a fresh token
// instead of surfacing a database error.
func (s *Store) AddAccessToken(ctx context.Context, userID, deviceID, token string) (int64, error) {
	id := s.AccessTokenIDGen.Next()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO access_tokens (id, user_id, device_id, token) VALUES ($1, $2, $3, $4)",
		id, userID, deviceID, token)
	if err != nil {
		if IsUniqueViolation(err, "access_tokens_token_key") {
			return 0, ErrTokenExists
		}
		return 0, xerrors.Errorf("add access token for %s: %w", userID, err)
	}
	return id, nil
}
