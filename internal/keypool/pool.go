package keypool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pool holds one provider's credentials plus the rotation cursor. All state
// mutations flow through the Manager so persistence stays in one place.
type Pool struct {
	providerID string
	policy     Policy

	mu       sync.Mutex
	keys     []*Record
	cursor   int
	limiters map[string]*rate.Limiter
}

func newPool(providerID string, policy Policy) *Pool {
	return &Pool{
		providerID: providerID,
		policy:     policy,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (p *Pool) add(rec *Record) {
	p.mu.Lock()
	p.keys = append(p.keys, rec)
	p.mu.Unlock()
}

func (p *Pool) find(keyID string) *Record {
	for _, k := range p.keys {
		if k.ID == keyID {
			return k
		}
	}
	return nil
}

func (p *Pool) limiter(keyID string) *rate.Limiter {
	lim, ok := p.limiters[keyID]
	if !ok {
		lim = rate.NewLimiter(p.policy.PerKeyRate, p.policy.PerKeyBurst)
		p.limiters[keyID] = lim
	}
	return lim
}

// next rotates to the next usable key. Keys whose pace limiter denies are
// skipped this round; they stay active.
func (p *Pool) next(now time.Time) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	if n == 0 {
		return nil, false
	}
	var fallback *Record
	for i := 0; i < n; i++ {
		rec := p.keys[(p.cursor+i)%n]
		if !rec.usable(now) {
			continue
		}
		if fallback == nil {
			fallback = rec
		}
		if !p.limiter(rec.ID).Allow() {
			continue
		}
		p.cursor = (p.cursor + i + 1) % n
		return rec, true
	}
	// Every active key is pacing-limited; better to overrun a little than
	// to fail the request.
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

func (p *Pool) healthyCount(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k.usable(now) {
			n++
		}
	}
	return n
}

func (p *Pool) snapshot() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, *k)
	}
	return out
}

func (p *Pool) remove(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k.ID == keyID {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			delete(p.limiters, keyID)
			return
		}
	}
}
