package database

import (
	"context"

	"golang.org/x/xerrors"
)

// AddAccountData stores a global account-data blob for a user and
// returns the stream position the write landed at. The row upsert and
// the stream high-water mark move together in one transaction; the
// change cache is only told about the position after commit, so sync
// never observes account data that could still roll back.
func (s *Store) AddAccountData(ctx context.Context, userID, dataType string, content []byte) (int64, error) {
	ticket := s.AccountDataIDGen.Reserve()
	// Resolve on the abort path too, or the stream token stalls.
	defer ticket.Done()

	err := s.InTx(func(tx *DB) error {
		if err := tx.Upsert(ctx, "account_data",
			map[string]interface{}{
				"user_id":           userID,
				"account_data_type": dataType,
			},
			map[string]interface{}{
				"stream_id": ticket.First(),
				"content":   content,
			},
		); err != nil {
			return err
		}
		_, err := tx.db.ExecContext(ctx,
			"UPDATE account_data_max_stream_id SET stream_id = $1", ticket.First())
		return err
	}, nil)
	if err != nil {
		return 0, xerrors.Errorf("add account data for %s: %w", userID, err)
	}

	ticket.Done()
	s.AccountDataStreamCache.RecordChange(userID, ticket.First())
	return ticket.First(), nil
}
