package database

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/domduerr/synapse/synapsed/database/streamcache"
	"github.com/domduerr/synapse/testutil"
)

// groupedStub emulates the prefill query's GROUP BY over raw
// (entity, position) rows, honoring the window bound argument.
func groupedStub(t *testing.T, raw [][2]interface{}) *stubDBTX {
	return &stubDBTX{
		t: t,
		selectFn: func(dest interface{}, query string, args ...interface{}) error {
			require.Contains(t, query, "GROUP BY")
			require.Len(t, args, 1)
			lowerBound, ok := args[0].(int64)
			require.True(t, ok, "window bound must be an int64")

			grouped := map[string]int64{}
			for _, row := range raw {
				entity, pos := row[0].(string), row[1].(int64)
				if pos <= lowerBound {
					continue
				}
				if cur, ok := grouped[entity]; !ok || pos > cur {
					grouped[entity] = pos
				}
			}
			rows := dest.(*[]prefillRow)
			for entity, pos := range grouped {
				*rows = append(*rows, prefillRow{Entity: entity, Position: pos})
			}
			return nil
		},
	}
}

func TestPrefillChangeCache(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	db := newStubDB(groupedStub(t, [][2]interface{}{
		{"!room1:hs", int64(50)},
		{"!room1:hs", int64(80)},
		{"!room2:hs", int64(60)},
	}))

	mapping, minPos, err := db.PrefillChangeCache(ctx, "events", "room_id", "stream_ordering", 100)
	require.NoError(t, err)
	require.EqualValues(t, 60, minPos)
	require.Empty(t, cmp.Diff(map[string]int64{
		"!room1:hs": 80,
		"!room2:hs": 60,
	}, mapping))

	// The seeded cache serves the expected answers.
	cache := streamcache.New("events_room", minPos, streamcache.WithPrefill(mapping))
	require.Equal(t, streamcache.Changed, cache.HasChangedSince("!room1:hs", 70))
	require.Equal(t, streamcache.Unknown, cache.HasChangedSince("!room3:hs", 10))
}

func TestPrefillChangeCache_WindowBound(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	var gotBound int64
	stub := &stubDBTX{
		t: t,
		selectFn: func(_ interface{}, _ string, args ...interface{}) error {
			gotBound = args[0].(int64)
			return nil
		},
	}

	_, _, err := newStubDB(stub).PrefillChangeCache(ctx, "events", "room_id", "stream_ordering", 250000)
	require.NoError(t, err)
	require.EqualValues(t, 150000, gotBound, "scan must start a fixed window below the upper bound")
}

func TestPrefillChangeCache_Empty(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	db := newStubDB(groupedStub(t, nil))
	mapping, minPos, err := db.PrefillChangeCache(ctx, "presence_stream", "user_id", "stream_id", 42)
	require.NoError(t, err)
	require.Empty(t, mapping)
	// No recent rows: the watermark seed falls back to the upper bound.
	require.EqualValues(t, 42, minPos)
}

func TestPrefillChangeCache_DatabaseError(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	stub := &stubDBTX{
		t: t,
		selectFn: func(_ interface{}, _ string, _ ...interface{}) error {
			return xerrors.New("connection refused")
		},
	}

	_, _, err := newStubDB(stub).PrefillChangeCache(ctx, "events", "room_id", "stream_ordering", 100)
	require.Error(t, err)
	require.Contains(t, err.Error(), "prefill change cache from events")
}

func TestMaxStreamPosition_EmptyTableSentinel(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	stub := &stubDBTX{
		t: t,
		getFn: func(dest interface{}, query string, _ ...interface{}) error {
			require.Equal(t, fmt.Sprintf(`SELECT COALESCE(MAX(%s), -1) FROM %s`, `"stream_ordering"`, `"events"`), query)
			*dest.(*int64) = -1
			return nil
		},
	}

	max, err := newStubDB(stub).maxStreamPosition(ctx, "events", "stream_ordering")
	require.NoError(t, err)
	require.EqualValues(t, -1, max)
}
