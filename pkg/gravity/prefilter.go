package gravity

import (
	"context"
	"fmt"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

// prefilter is an in-memory bloom filter over the whole gravity table,
// sized from the precomputed gravity count. A definite miss proves the
// domain is in no group's gravity list, so the database probe can be
// skipped; a possible hit still goes to the group-scoped statement.
type prefilter struct {
	mu        sync.RWMutex
	bf        *bloom.BloomFilter
	errorRate float64
}

func newPrefilter(errorRate float64) *prefilter {
	if errorRate <= 0 || errorRate >= 1 {
		errorRate = 0.001
	}
	return &prefilter{errorRate: errorRate}
}

// definiteMiss reports whether the domain is provably absent from gravity.
// An unbuilt filter never skips.
func (p *prefilter) definiteMiss(domain string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.bf == nil {
		return false
	}
	return !p.bf.TestString(domain)
}

func (p *prefilter) swap(bf *bloom.BloomFilter) {
	p.mu.Lock()
	p.bf = bf
	p.mu.Unlock()
}

// RebuildPrefilter re-reads the gravity table into a fresh bloom filter.
// Called at startup and whenever the database file is replaced. A no-op
// when the prefilter is disabled.
func (s *Store) RebuildPrefilter() error {
	if s.prefilter == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkGeneration()

	size := s.count(GravityList)
	if size == CountFailed {
		return fmt.Errorf("%w: gravity count unavailable, cannot size prefilter", ErrUnavailable)
	}

	bf := bloom.NewWithEstimates(uint(size)+1, s.prefilter.errorRate)

	if err := s.getTable(GravityList); err != nil {
		return err
	}
	defer s.finalizeTable()

	loaded := int64(0)
	for {
		domain, _, ok := s.getDomain()
		if !ok {
			break
		}
		bf.AddString(domain)
		loaded++
	}

	s.prefilter.swap(bf)
	s.logger.Info("Gravity prefilter rebuilt", "domains", loaded)
	if s.metrics != nil {
		s.metrics.SetGravitySize(context.Background(), loaded)
	}
	return nil
}
