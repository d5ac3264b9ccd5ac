package correlation

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/timborden/gateway/pkg/util"
)

// Token offsets in seconds. A token is now+offset and doubles as the order's
// expiry, so every tracked order lives between one and two hours.
const (
	MinOffset int64 = 3600
	MaxOffset int64 = 7200
)

// TokenSource draws correlation tokens.
type TokenSource struct {
	clock util.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTokenSource(clock util.Clock) *TokenSource {
	return NewSeededTokenSource(clock, rand.Uint64(), rand.Uint64())
}

// NewSeededTokenSource is deterministic for a given seed pair.
func NewSeededTokenSource(clock util.Clock, seed1, seed2 uint64) *TokenSource {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &TokenSource{clock: clock, rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns now + an offset drawn uniformly from [MinOffset, MaxOffset).
func (s *TokenSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(s.clock.Now().Unix())
}

func (s *TokenSource) next(now int64) int64 {
	return now + MinOffset + s.rng.Int64N(MaxOffset-MinOffset)
}

// Batch returns n tokens that are distinct from each other and from every
// token for which inUse reports true. inUse may be nil.
func (s *TokenSource) Batch(n int, inUse func(int64) bool) ([]int64, error) {
	if int64(n) > MaxOffset-MinOffset {
		return nil, fmt.Errorf("cannot draw %d distinct tokens from a window of %d", n, MaxOffset-MinOffset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().Unix()
	seen := make(map[int64]struct{}, n)
	out := make([]int64, 0, n)
	// Bounded so a saturated window surfaces as an error instead of spinning.
	for attempts := 0; len(out) < n; attempts++ {
		if attempts > 64*int(MaxOffset-MinOffset) {
			return nil, fmt.Errorf("token window exhausted after %d draws", attempts)
		}
		tok := s.next(now)
		if _, dup := seen[tok]; dup {
			continue
		}
		if inUse != nil && inUse(tok) {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out, nil
}
