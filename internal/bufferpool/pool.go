// Package bufferpool implements a bounded set of page frames with
// clock (second-chance) eviction, per-frame latches, and dirty
// tracking over internal/page.Store.
package bufferpool

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
	"github.com/VanitasCaesar1/mantisdb/internal/page"
)

// frame is one buffer-pool slot.
type frame struct {
	mu       sync.RWMutex
	pageID   page.ID
	p        *page.Page
	pinCount int32
	dirty    bool
	refBit   bool
	valid    bool
}

// Pool is the buffer pool: a fixed number of frames mapped from page
// id, evicted by a clock sweep when full.
type Pool struct {
	store *page.Store

	mu     sync.Mutex // guards frames map + clock hand, held only for lookup
	frames map[page.ID]*frame
	order  []*frame // clock order
	hand   int

	capacity int

	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
}

// New creates a Pool backed by store with room for capacity pages.
func New(store *page.Store, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		store:    store,
		frames:   make(map[page.ID]*frame, capacity),
		order:    make([]*frame, 0, capacity),
		capacity: capacity,
	}
}

// Pin returns the frame holding id's content, loading it from the page
// store on a miss. The caller must Unpin when done.
func (p *Pool) Pin(id page.ID) (*Handle, error) {
	p.mu.Lock()
	if fr, ok := p.frames[id]; ok {
		fr.mu.Lock()
		fr.pinCount++
		fr.refBit = true
		fr.mu.Unlock()
		p.hits.Inc()
		p.mu.Unlock()
		return &Handle{pool: p, fr: fr}, nil
	}
	p.misses.Inc()
	p.mu.Unlock()

	pg, err := p.store.Read(id)
	if err != nil {
		return nil, err
	}
	return p.install(id, pg)
}

// PinNew wraps an already-allocated, in-memory-only page (e.g. freshly
// allocated by the B-tree) as a pinned, dirty frame without reading
// from disk.
func (p *Pool) PinNew(pg *page.Page) (*Handle, error) {
	h, err := p.install(pg.Header.PageID, pg)
	if err != nil {
		return nil, err
	}
	h.fr.mu.Lock()
	h.fr.p = pg
	h.fr.dirty = true
	h.fr.mu.Unlock()
	return h, nil
}

func (p *Pool) install(id page.ID, pg *page.Page) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fr, ok := p.frames[id]; ok {
		fr.mu.Lock()
		fr.pinCount++
		fr.refBit = true
		fr.mu.Unlock()
		return &Handle{pool: p, fr: fr}, nil
	}

	fr := &frame{pageID: id, p: pg, pinCount: 1, refBit: true, valid: true}
	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}
	p.frames[id] = fr
	p.order = append(p.order, fr)
	return &Handle{pool: p, fr: fr}, nil
}

// evictLocked runs the clock sweep. Caller holds p.mu.
func (p *Pool) evictLocked() error {
	n := len(p.order)
	if n == 0 {
		return errs.New(errs.PoolExhausted, "buffer pool has no frames to evict")
	}
	for scanned := 0; scanned < 2*n; scanned++ {
		idx := p.hand % len(p.order)
		p.hand = (idx + 1) % len(p.order)
		fr := p.order[idx]

		// Unpinned frames cannot gain a pin while p.mu is held, so the
		// reads below are stable once the pin check passes.
		fr.mu.RLock()
		pinned := fr.pinCount > 0
		fr.mu.RUnlock()
		if pinned {
			continue
		}
		if fr.refBit {
			fr.refBit = false
			continue
		}

		// Victim found: flush if dirty, then splice out of bookkeeping.
		if fr.dirty {
			if err := p.store.Write(fr.p); err != nil {
				return errs.Wrap(errs.Durability, err, "flush victim page %d", fr.pageID)
			}
			p.writes.Inc()
		}
		delete(p.frames, fr.pageID)
		p.order = append(p.order[:idx], p.order[idx+1:]...)
		if p.hand > idx {
			p.hand--
		}
		return nil
	}
	return errs.New(errs.PoolExhausted, "buffer pool is fully pinned")
}

// FlushAll writes every dirty frame to the page store, used at
// checkpoint time.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	dirty := make([]*frame, 0)
	for _, fr := range p.order {
		fr.mu.RLock()
		if fr.dirty {
			dirty = append(dirty, fr)
		}
		fr.mu.RUnlock()
	}
	p.mu.Unlock()

	for _, fr := range dirty {
		fr.mu.Lock()
		if fr.dirty {
			if err := p.store.Write(fr.p); err != nil {
				fr.mu.Unlock()
				return errs.Wrap(errs.Durability, err, "flush page %d", fr.pageID)
			}
			fr.dirty = false
			p.writes.Inc()
		}
		fr.mu.Unlock()
	}
	return nil
}

// Stats is a read-only snapshot of pool counters for the observability
// surface.
type Stats struct {
	Hits, Misses, Writes uint64
	Resident, Capacity   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	resident := len(p.frames)
	p.mu.Unlock()
	return Stats{
		Hits:     p.hits.Load(),
		Misses:   p.misses.Load(),
		Writes:   p.writes.Load(),
		Resident: resident,
		Capacity: p.capacity,
	}
}

// Handle is a pinned frame. Callers must call Unpin exactly once.
type Handle struct {
	pool *Pool
	fr   *frame
}

// Page returns the pinned page for read or in-place modification.
// Modifications must be followed by Unpin(dirty=true).
func (h *Handle) Page() *page.Page {
	return h.fr.p
}

// Unpin releases the pin, marking the frame dirty if requested.
func (h *Handle) Unpin(dirty bool) {
	h.fr.mu.Lock()
	if dirty {
		h.fr.dirty = true
	}
	if h.fr.pinCount > 0 {
		h.fr.pinCount--
	}
	h.fr.mu.Unlock()
}
