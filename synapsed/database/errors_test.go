package database

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestIsSerializedError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"wrapped serialization failure", xerrors.Errorf("execute transaction: %w", &pq.Error{Code: "40001"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", xerrors.New("deadlock detected"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsSerializedError(tc.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	violation := &pq.Error{Code: "23505", Constraint: "access_tokens_token_key"}

	cases := []struct {
		name        string
		err         error
		constraints []string
		want        bool
	}{
		{"nil", nil, nil, false},
		{"any constraint", violation, nil, true},
		{"matching constraint", violation, []string{"access_tokens_token_key"}, true},
		{"one of several", violation, []string{"users_name_key", "access_tokens_token_key"}, true},
		{"other constraint", violation, []string{"users_name_key"}, false},
		{"wrapped", xerrors.Errorf("insert: %w", violation), []string{"access_tokens_token_key"}, true},
		{"other code", &pq.Error{Code: "40001", Constraint: "access_tokens_token_key"}, nil, false},
		{"plain error", xerrors.New("duplicate key"), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsUniqueViolation(tc.err, tc.constraints...))
		})
	}
}

func TestIsQueryCanceledError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"query canceled", &pq.Error{Code: "57014"}, true},
		{"wrapped query canceled", xerrors.Errorf("count daily users: %w", &pq.Error{Code: "57014"}), true},
		{"context canceled", context.Canceled, true},
		{"wrapped context canceled", xerrors.Errorf("upsert user_ips: %w", context.Canceled), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", xerrors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsQueryCanceledError(tc.err))
		})
	}
}
