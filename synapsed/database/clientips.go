package database

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/domduerr/synapse/synapsed/database/dbtime"
)

// LastSeenGranularity bounds how often a client's last-seen timestamp
// is persisted. Smaller values mean more writes even for read-only API
// hits.
const LastSeenGranularity = 2 * time.Minute

type clientIPKey struct {
	userID      string
	accessToken string
	ip          string
}

// UserIP is one row of a user's connection history.
type UserIP struct {
	AccessToken string    `db:"access_token"`
	IP          string    `db:"ip"`
	UserAgent   string    `db:"user_agent"`
	LastSeen    time.Time `db:"last_seen"`
}

// UpdateClientIPLastSeen records when a client connection was last
// seen. Writes for the same (user, token, ip) are coalesced within
// LastSeenGranularity; the underlying upsert's idempotence makes the
// occasional racing duplicate harmless.
func (s *Store) UpdateClientIPLastSeen(ctx context.Context, userID, accessToken, ip, userAgent string) error {
	now := dbtime.Time(s.clock.Now().UTC())
	key := clientIPKey{userID: userID, accessToken: accessToken, ip: ip}
	if !s.clientIPLastSeen.ShouldWrite(key, now, LastSeenGranularity) {
		return nil
	}

	err := s.Upsert(ctx, "user_ips",
		map[string]interface{}{
			"user_id":      userID,
			"access_token": accessToken,
			"ip":           ip,
		},
		map[string]interface{}{
			"user_agent": userAgent,
			"last_seen":  now,
		},
	)
	if err != nil {
		// Let the next request retry instead of waiting out the window.
		s.clientIPLastSeen.Forget(key)
		if IsQueryCanceledError(err) {
			// Last-seen tracking is best effort; a request canceled
			// mid-write is not worth failing over.
			s.logger.Debug(ctx, "client ip write canceled", slog.Error(err))
			return nil
		}
		return xerrors.Errorf("update client ip last seen: %w", err)
	}
	return nil
}

// CountDailyUsers counts the users seen on this homeserver in the last
// 24 hours.
func (s *Store) CountDailyUsers(ctx context.Context) (int64, error) {
	since := dbtime.Time(s.clock.Now().UTC().Add(-24 * time.Hour))
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(DISTINCT user_id) FROM user_ips WHERE last_seen > $1", since)
	if err != nil {
		return 0, xerrors.Errorf("count daily users: %w", err)
	}
	return count, nil
}

// GetUserIPsAndAgents returns the connection history recorded for a
// user, most recent first.
func (s *Store) GetUserIPsAndAgents(ctx context.Context, userID string) ([]UserIP, error) {
	var ips []UserIP
	err := s.db.SelectContext(ctx, &ips,
		"SELECT access_token, ip, user_agent, last_seen FROM user_ips WHERE user_id = $1 ORDER BY last_seen DESC",
		userID)
	if err != nil {
		return nil, xerrors.Errorf("get user ips for %s: %w", userID, err)
	}
	return ips, nil
}
