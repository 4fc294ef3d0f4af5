// Package workerpool multiplexes work items over a bounded set of worker
// goroutines.
//
// Work submitted with the same Affinity runs in FIFO order and never on two
// workers at once, which is what lets an isolate hand its single execution
// timeline to whichever worker is free.
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Affinity groups work items that must run one at a time, in order.
type Affinity uint64

// NoAffinity marks an item that may run concurrently with anything.
const NoAffinity Affinity = 0

// DefaultSize is used when New receives a non-positive size.
const DefaultSize = 8

// group is the queue of one affinity tag.
type group struct {
	key     Affinity
	items   []func()
	running bool
	queued  bool
}

// Pool runs work on a fixed number of goroutines
type Pool struct {
	size int

	mu     sync.Mutex
	wake   *sync.Cond
	ready  []*group
	groups map[Affinity]*group
	closed bool

	nextAffinity atomic.Uint64
	active       atomic.Int64
	wg           sync.WaitGroup
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Size   int  `json:"size"`
	Active int  `json:"active"`
	Ready  int  `json:"ready"`
	Groups int  `json:"groups"`
	Closed bool `json:"closed"`
}

// New starts a pool with size workers
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}

	p := &Pool{
		size:   size,
		groups: make(map[Affinity]*group),
	}
	p.wake = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// NewAffinity allocates an affinity tag that no other caller holds
func (p *Pool) NewAffinity() Affinity {
	return Affinity(p.nextAffinity.Add(1))
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Schedule queues work behind every earlier item with the same affinity
func (p *Pool) Schedule(affinity Affinity, work func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	if affinity == NoAffinity {
		p.ready = append(p.ready, &group{items: []func(){work}, queued: true})
		p.wake.Signal()
		return nil
	}

	g, ok := p.groups[affinity]
	if !ok {
		g = &group{key: affinity}
		p.groups[affinity] = g
	}
	g.items = append(g.items, work)
	if !g.running && !g.queued {
		g.queued = true
		p.ready = append(p.ready, g)
		p.wake.Signal()
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.wake.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}

		g := p.ready[0]
		p.ready[0] = nil
		p.ready = p.ready[1:]
		g.queued = false
		g.running = true
		work := g.items[0]
		g.items[0] = nil
		g.items = g.items[1:]
		p.mu.Unlock()

		p.active.Add(1)
		work()
		p.active.Add(-1)

		p.mu.Lock()
		g.running = false
		if len(g.items) > 0 {
			g.queued = true
			p.ready = append(p.ready, g)
			p.wake.Signal()
		} else if g.key != NoAffinity {
			delete(p.groups, g.key)
		}
		p.mu.Unlock()
	}
}

// Close stops accepting work, drains what is queued and joins the workers
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.wake.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Size:   p.size,
		Active: int(p.active.Load()),
		Ready:  len(p.ready),
		Groups: len(p.groups),
		Closed: p.closed,
	}
}
