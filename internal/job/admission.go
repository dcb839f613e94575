package job

import "sync"

// gate admits jobs in submission order, at most limit at a time.
// A limit of zero or less admits everything immediately.
type gate struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiting []chan struct{}
}

func newGate(limit int) *gate {
	return &gate{limit: limit}
}

// enqueue reserves a place in line. The returned channel is closed when the
// job is admitted. Call it from the submitting goroutine so line order
// matches submission order.
func (g *gate) enqueue() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticket := make(chan struct{})
	if g.limit <= 0 || (g.active < g.limit && len(g.waiting) == 0) {
		g.active++
		close(ticket)
		return ticket
	}
	g.waiting = append(g.waiting, ticket)
	return ticket
}

// release frees a slot and admits the next job in line.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active--
	if len(g.waiting) > 0 && (g.limit <= 0 || g.active < g.limit) {
		next := g.waiting[0]
		g.waiting = g.waiting[1:]
		g.active++
		close(next)
	}
}

// abandon gives up a place in line. A ticket that was admitted in the
// meantime releases its slot instead.
func (g *gate) abandon(ticket chan struct{}) {
	g.mu.Lock()
	for i, w := range g.waiting {
		if w == ticket {
			g.waiting = append(g.waiting[:i], g.waiting[i+1:]...)
			g.mu.Unlock()
			return
		}
	}
	g.mu.Unlock()
	g.release()
}

// stats returns the number of admitted and waiting jobs.
func (g *gate) stats() (active, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, len(g.waiting)
}
