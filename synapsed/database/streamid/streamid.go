// Package streamid allocates the ordering identifiers behind the storage
// tier's append-only streams. Allocation is purely in-memory: generators
// are seeded from the database once at startup and the durable write of
// each position happens in the caller's own transaction.
package streamid

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// EmptyStreamToken is the position reported for a stream with no rows.
// Real positions start at EmptyStreamToken + 1.
const EmptyStreamToken int64 = -1

// A Sequence hands out unique, strictly increasing row IDs for tables
// whose ordering is never consumed by readers (access tokens, pushers,
// push rules). It does no I/O; seed it with the table's current MAX.
type Sequence struct {
	cur atomic.Int64
}

func NewSequence(current int64) *Sequence {
	s := &Sequence{}
	s.cur.Store(current)
	return s
}

// Next returns a never-before-issued ID, strictly greater than every
// previously issued one. The ID is valid inside the caller's open
// transaction; Sequence does not track whether the row ever commits.
func (s *Sequence) Next() int64 {
	return s.cur.Add(1)
}

// Current returns the highest ID handed out so far.
func (s *Sequence) Current() int64 {
	return s.cur.Load()
}

// A Generator allocates positions for a strictly ordered stream whose
// writes may commit out of order. It tracks reserved-but-unresolved
// positions so CurrentToken never advertises a position while an
// earlier-numbered write is still in flight.
//
// Positions of aborted transactions are released, not reused; gaps in
// the stream numbering are expected.
type Generator struct {
	mu sync.Mutex
	// max is the highest position ever reserved.
	max int64
	// pending holds unresolved reservations in ascending order.
	// Reservations are appended under mu, so the slice stays sorted.
	pending []int64
	// resolved holds positions whose tickets finished while an
	// earlier-numbered reservation was still pending.
	resolved map[int64]struct{}

	// token mirrors the current safe token so readers never take mu.
	token atomic.Int64
}

// NewGenerator seeds a generator with the stream's highest previously
// written position, or EmptyStreamToken for an empty stream.
func NewGenerator(current int64) *Generator {
	g := &Generator{
		max:      current,
		resolved: make(map[int64]struct{}),
	}
	g.token.Store(current)
	return g
}

// Reserve allocates the next stream position. The returned ticket must
// be resolved with Done on both the commit and abort paths.
func (g *Generator) Reserve() *Ticket {
	return g.ReserveN(1)
}

// ReserveN allocates a contiguous block of n positions under a single
// lock acquisition.
func (g *Generator) ReserveN(n int) *Ticket {
	if n < 1 {
		panic(fmt.Sprintf("streamid: ReserveN(%d)", n))
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]int64, n)
	for i := range ids {
		g.max++
		ids[i] = g.max
		g.pending = append(g.pending, g.max)
	}
	g.token.Store(g.pending[0] - 1)
	return &Ticket{gen: g, ids: ids}
}

// CurrentToken returns the highest position at or before which every
// write has either committed or been released. It is a lock-free read
// and is safe to call on hot paths.
func (g *Generator) CurrentToken() int64 {
	return g.token.Load()
}

// MaxToken returns the highest position ever reserved, including
// positions still in flight. Use it for bootstrap and statistics only,
// never for deciding what a reader may observe.
func (g *Generator) MaxToken() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func (g *Generator) release(ids []int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		g.resolved[id] = struct{}{}
	}
	for len(g.pending) > 0 {
		if _, ok := g.resolved[g.pending[0]]; !ok {
			break
		}
		delete(g.resolved, g.pending[0])
		g.pending = g.pending[1:]
	}
	if len(g.pending) > 0 {
		g.token.Store(g.pending[0] - 1)
	} else {
		g.token.Store(g.max)
	}
}

// A Ticket is an in-flight reservation of one or more stream positions,
// owned by a single transaction. Done must be called once the owning
// transaction resolves; it is idempotent so callers can defer it and
// still call it explicitly after commit.
type Ticket struct {
	gen  *Generator
	ids  []int64
	done atomic.Bool
}

// IDs returns the reserved positions in ascending order.
func (t *Ticket) IDs() []int64 {
	return t.ids
}

// First returns the lowest reserved position. Most callers reserve a
// single position and use this accessor.
func (t *Ticket) First() int64 {
	return t.ids[0]
}

// Done removes the reservation from the outstanding set. Calling Done
// does not assert the positions were durably written; an aborting
// caller must still call it so the token can advance past the gap.
func (t *Ticket) Done() {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.gen.release(t.ids)
}
