package streamid

import (
	"sync"
	"sync/atomic"
)

// A ChainedGenerator allocates positions for a stream that is causally
// subordinate to a parent stream, e.g. the push-rules stream trailing
// the event stream. Each reservation is paired with the parent's safe
// token at allocation time, and the chained stream never advertises a
// pairing ahead of what the parent itself advertises.
type ChainedGenerator struct {
	parent *Generator

	mu       sync.Mutex
	max      int64
	pending  []chainedReservation
	resolved map[int64]struct{}
}

type chainedReservation struct {
	id          int64
	parentToken int64
}

// NewChainedGenerator seeds a chained generator with the stream's
// highest previously written position, or EmptyStreamToken.
func NewChainedGenerator(parent *Generator, current int64) *ChainedGenerator {
	return &ChainedGenerator{
		parent:   parent,
		max:      current,
		resolved: make(map[int64]struct{}),
	}
}

// Reserve allocates the next chained position together with the parent
// token observed at allocation. Reservations made later in real time
// always carry a parent token >= earlier reservations' tokens.
func (g *ChainedGenerator) Reserve() *ChainedTicket {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Read the parent under our lock so pairings are monotonic even
	// when two reservations race.
	parentToken := g.parent.CurrentToken()
	g.max++
	g.pending = append(g.pending, chainedReservation{id: g.max, parentToken: parentToken})
	return &ChainedTicket{
		ID:          g.max,
		ParentToken: parentToken,
		gen:         g,
	}
}

// CurrentToken returns the chained stream's safe token and the parent
// token consumers may treat as observed alongside it. While
// reservations are outstanding the pairing recorded with the first of
// them is reported, so the parent position is never overstated.
func (g *ChainedGenerator) CurrentToken() (own int64, parent int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) > 0 {
		first := g.pending[0]
		return first.id - 1, first.parentToken
	}
	return g.max, g.parent.CurrentToken()
}

// MaxToken returns the highest chained position ever reserved,
// irrespective of outstanding reservations.
func (g *ChainedGenerator) MaxToken() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func (g *ChainedGenerator) release(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resolved[id] = struct{}{}
	for len(g.pending) > 0 {
		if _, ok := g.resolved[g.pending[0].id]; !ok {
			break
		}
		delete(g.resolved, g.pending[0].id)
		g.pending = g.pending[1:]
	}
}

// A ChainedTicket is an in-flight chained reservation. Done follows the
// same contract as Ticket.Done.
type ChainedTicket struct {
	ID          int64
	ParentToken int64

	gen  *ChainedGenerator
	done atomic.Bool
}

func (t *ChainedTicket) Done() {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.gen.release(t.ID)
}
