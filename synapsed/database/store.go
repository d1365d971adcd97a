package database

import (
	"context"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"
	"github.com/domduerr/synapse/synapsed/database/streamcache"
	"github.com/domduerr/synapse/synapsed/database/streamid"
	"github.com/domduerr/synapse/synapsed/database/writecache"
	"github.com/prometheus/client_golang/prometheus"
)

// Store composes the database handle with the ordering machinery every
// per-domain store depends on: stream position generators, change
// caches, and the client-IP write coalescer. There is no ambient global
// state; construct one Store per process and inject it (or the pieces a
// component needs) explicitly.
//
// Request handlers reserve positions from a generator, write inside
// InTx, resolve the ticket, and then record the change in the matching
// cache so sync requests observe it without a table scan.
type Store struct {
	*DB
	logger slog.Logger
	clock  quartz.Clock

	// Stream position generators. One per totally ordered stream.
	EventsIDGen      *streamid.Generator
	ReceiptsIDGen    *streamid.Generator
	AccountDataIDGen *streamid.Generator
	PresenceIDGen    *streamid.Generator
	// PushRulesStreamIDGen trails the event stream: a push-rules change
	// must never imply observation of an uncommitted event.
	PushRulesStreamIDGen *streamid.ChainedGenerator

	// Plain row-ID sequences for tables whose ordering readers never
	// consume.
	TransactionIDGen    *streamid.Sequence
	StateGroupIDGen     *streamid.Sequence
	AccessTokenIDGen    *streamid.Sequence
	RefreshTokenIDGen   *streamid.Sequence
	PusherIDGen         *streamid.Sequence
	PushRuleIDGen       *streamid.Sequence
	PushRuleEnableIDGen *streamid.Sequence

	// Change caches consulted by sync before touching the database.
	EventsStreamCache      *streamcache.Cache
	MembershipStreamCache  *streamcache.Cache
	AccountDataStreamCache *streamcache.Cache
	PresenceStreamCache    *streamcache.Cache
	PushRulesStreamCache   *streamcache.Cache

	// MinStreamToken is the lowest event stream position present at
	// startup, clamped to at most streamid.EmptyStreamToken. Backwards
	// pagination bottoms out here.
	MinStreamToken int64

	clientIPLastSeen *writecache.Coalescer[clientIPKey]
	registerer       prometheus.Registerer
}

type StoreOption func(*Store)

// WithClock substitutes the wall clock, for tests.
func WithClock(clock quartz.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithRegisterer registers the change caches' metrics collectors.
func WithRegisterer(reg prometheus.Registerer) StoreOption {
	return func(s *Store) {
		s.registerer = reg
	}
}

// NewStore bootstraps the storage tier: it recovers every stream's
// position from the database, seeds the change caches within a bounded
// window, and wires the write coalescer. Any database error aborts the
// bootstrap; proceeding without trustworthy watermarks would silently
// degrade every sync query.
func NewStore(ctx context.Context, logger slog.Logger, db *DB, opts ...StoreOption) (*Store, error) {
	s := &Store{
		DB:               db,
		logger:           logger,
		clock:            quartz.NewReal(),
		clientIPLastSeen: writecache.New[clientIPKey](),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.recoverStreamPositions(ctx); err != nil {
		return nil, err
	}
	if err := s.prefillStreamCaches(ctx); err != nil {
		return nil, err
	}
	if err := s.registerCollectors(); err != nil {
		return nil, err
	}

	logger.Info(ctx, "storage tier bootstrapped",
		slog.F("events_stream_token", s.EventsIDGen.CurrentToken()),
		slog.F("min_stream_token", s.MinStreamToken),
		slog.F("events_cache_watermark", s.EventsStreamCache.Watermark()),
	)
	return s, nil
}

func (s *Store) recoverStreamPositions(ctx context.Context) error {
	streams := []struct {
		gen    **streamid.Generator
		table  string
		column string
	}{
		{&s.EventsIDGen, "events", "stream_ordering"},
		{&s.ReceiptsIDGen, "receipts_linearized", "stream_id"},
		{&s.AccountDataIDGen, "account_data_max_stream_id", "stream_id"},
		{&s.PresenceIDGen, "presence_stream", "stream_id"},
	}
	for _, st := range streams {
		max, err := s.maxStreamPosition(ctx, st.table, st.column)
		if err != nil {
			return xerrors.Errorf("recover stream %s: %w", st.table, err)
		}
		*st.gen = streamid.NewGenerator(max)
	}

	pushRulesMax, err := s.maxStreamPosition(ctx, "push_rules_stream", "stream_id")
	if err != nil {
		return xerrors.Errorf("recover stream push_rules_stream: %w", err)
	}
	s.PushRulesStreamIDGen = streamid.NewChainedGenerator(s.EventsIDGen, pushRulesMax)

	sequences := []struct {
		seq   **streamid.Sequence
		table string
	}{
		{&s.TransactionIDGen, "sent_transactions"},
		{&s.StateGroupIDGen, "state_groups"},
		{&s.AccessTokenIDGen, "access_tokens"},
		{&s.RefreshTokenIDGen, "refresh_tokens"},
		{&s.PusherIDGen, "pushers"},
		{&s.PushRuleIDGen, "push_rules"},
		{&s.PushRuleEnableIDGen, "push_rules_enable"},
	}
	for _, sq := range sequences {
		max, err := s.maxRowID(ctx, sq.table, "id")
		if err != nil {
			return xerrors.Errorf("recover sequence %s: %w", sq.table, err)
		}
		*sq.seq = streamid.NewSequence(max)
	}

	minStream, err := s.minStreamPosition(ctx, "events", "stream_ordering")
	if err != nil {
		return xerrors.Errorf("recover min stream token: %w", err)
	}
	s.MinStreamToken = min(minStream, streamid.EmptyStreamToken)
	return nil
}

func (s *Store) prefillStreamCaches(ctx context.Context) error {
	eventsMax := s.EventsIDGen.MaxToken()
	eventsPrefill, minEventPos, err := s.PrefillChangeCache(ctx, "events", "room_id", "stream_ordering", eventsMax)
	if err != nil {
		return err
	}
	s.EventsStreamCache = streamcache.New("events_room", minEventPos,
		streamcache.WithPrefill(eventsPrefill))

	// Membership and account-data changes are only recorded from this
	// process onward, so their knowledge starts at the current token.
	s.MembershipStreamCache = streamcache.New("membership", eventsMax)
	s.AccountDataStreamCache = streamcache.New("account_data_and_tags", s.AccountDataIDGen.MaxToken())

	presencePrefill, minPresencePos, err := s.PrefillChangeCache(ctx, "presence_stream", "user_id", "stream_id", s.PresenceIDGen.MaxToken())
	if err != nil {
		return err
	}
	s.PresenceStreamCache = streamcache.New("presence", minPresencePos,
		streamcache.WithPrefill(presencePrefill))

	pushRulesPrefill, minPushRulesPos, err := s.PrefillChangeCache(ctx, "push_rules_stream", "user_id", "stream_id", s.PushRulesStreamIDGen.MaxToken())
	if err != nil {
		return err
	}
	s.PushRulesStreamCache = streamcache.New("push_rules", minPushRulesPos,
		streamcache.WithPrefill(pushRulesPrefill))
	return nil
}

func (s *Store) registerCollectors() error {
	if s.registerer == nil {
		return nil
	}
	caches := []*streamcache.Cache{
		s.EventsStreamCache,
		s.MembershipStreamCache,
		s.AccountDataStreamCache,
		s.PresenceStreamCache,
		s.PushRulesStreamCache,
	}
	for _, c := range caches {
		if err := s.registerer.Register(c); err != nil {
			return xerrors.Errorf("register %s cache collector: %w", c.Name(), err)
		}
	}
	return nil
}
