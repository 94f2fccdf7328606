package op

// Clock is a per-room vector clock: client id to count of operations that
// client has committed. Causal order between two operations is decided by
// comparing the clocks they carried at creation.
type Clock map[string]int64

// Relation is the outcome of comparing two clocks.
type Relation int

const (
	Before Relation = iota // receiver causally precedes the other
	After                  // receiver causally follows the other
	Equal                  // identical histories
	Concurrent             // neither dominates: independent edits
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// Advance increments clientID's counter and returns the new value. Callers
// must hold the branch commit lock; a client's counter grows by exactly one
// per committed operation.
func (c Clock) Advance(clientID string) int64 {
	c[clientID]++
	return c[clientID]
}

// Get returns clientID's counter, zero if absent.
func (c Clock) Get(clientID string) int64 {
	return c[clientID]
}

// Compare applies vector-clock dominance: if every component of c is ≤ the
// other's, c is Before; if every component is ≥, After; otherwise the clocks
// are Concurrent.
func (c Clock) Compare(other Clock) Relation {
	var cAhead, otherAhead bool
	for id, n := range c {
		switch {
		case n > other[id]:
			cAhead = true
		case n < other[id]:
			otherAhead = true
		}
	}
	for id, n := range other {
		if _, ok := c[id]; !ok && n > 0 {
			otherAhead = true
		}
	}
	switch {
	case cAhead && otherAhead:
		return Concurrent
	case cAhead:
		return After
	case otherAhead:
		return Before
	default:
		return Equal
	}
}

// Merge returns a new clock holding the componentwise maximum.
func (c Clock) Merge(other Clock) Clock {
	m := c.Clone()
	for id, n := range other {
		if n > m[id] {
			m[id] = n
		}
	}
	return m
}

// Clone returns a copy; nil clocks clone to an empty, writable clock.
func (c Clock) Clone() Clock {
	m := make(Clock, len(c))
	for id, n := range c {
		m[id] = n
	}
	return m
}
