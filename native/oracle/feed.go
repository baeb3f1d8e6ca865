package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// NormalizedDecimals is the precision of values returned by GetNormalizedRate.
const NormalizedDecimals = 18

// DefaultHealthyDiff is the staleness window applied when none is configured.
const DefaultHealthyDiff = 3 * 24 * time.Hour

var (
	// ErrFeedDeprecated indicates the underlying source answer is unusable:
	// non-positive, outside the expected band, or stale.
	ErrFeedDeprecated = errors.New("oracle: feed deprecated")
	// ErrRoundNotFound indicates the requested round id has not been recorded.
	ErrRoundNotFound = errors.New("oracle: round not found")
	// ErrAnswerOutOfBounds indicates a submitted answer violates the configured min/max.
	ErrAnswerOutOfBounds = errors.New("oracle: answer out of bounds")
	// ErrDeviationExceeded indicates a submitted answer deviates too far from the previous one.
	ErrDeviationExceeded = errors.New("oracle: answer deviation exceeded")
	// ErrUnauthorized indicates the caller does not hold the feed admin capability.
	ErrUnauthorized = errors.New("oracle: caller not feed admin")
)

// Source exposes the raw answer of a price source in its native precision.
type Source interface {
	LatestAnswer() (answer *big.Int, updatedAt time.Time, err error)
	Decimals() uint8
}

// Feed wraps a raw Source and normalizes its answers to 18 decimals, rejecting
// zero, out-of-band and stale readings. Reads have no side effects and may be
// repeated freely.
type Feed struct {
	source      Source
	minExpected *big.Int
	maxExpected *big.Int
	healthyDiff time.Duration
	clock       func() time.Time
}

// NewFeed constructs a feed wrapper. minExpected/maxExpected are expressed in
// the source's native decimals; a nil bound disables that side of the band. A
// non-positive healthyDiff falls back to DefaultHealthyDiff.
func NewFeed(source Source, minExpected, maxExpected *big.Int, healthyDiff time.Duration) *Feed {
	if healthyDiff <= 0 {
		healthyDiff = DefaultHealthyDiff
	}
	feed := &Feed{source: source, healthyDiff: healthyDiff, clock: time.Now}
	if minExpected != nil {
		feed.minExpected = new(big.Int).Set(minExpected)
	}
	if maxExpected != nil {
		feed.maxExpected = new(big.Int).Set(maxExpected)
	}
	return feed
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (f *Feed) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.clock = clock
}

// GetNormalizedRate reads the underlying source and returns its answer scaled
// to 18 decimals.
func (f *Feed) GetNormalizedRate() (*big.Int, error) {
	if f == nil || f.source == nil {
		return nil, fmt.Errorf("oracle: feed not configured")
	}
	answer, updatedAt, err := f.source.LatestAnswer()
	if err != nil {
		return nil, err
	}
	if answer == nil || answer.Sign() <= 0 {
		return nil, ErrFeedDeprecated
	}
	if f.minExpected != nil && answer.Cmp(f.minExpected) < 0 {
		return nil, ErrFeedDeprecated
	}
	if f.maxExpected != nil && answer.Cmp(f.maxExpected) > 0 {
		return nil, ErrFeedDeprecated
	}
	now := f.clock()
	if updatedAt.IsZero() || now.Sub(updatedAt) > f.healthyDiff {
		return nil, ErrFeedDeprecated
	}
	return normalize(answer, f.source.Decimals()), nil
}

func normalize(answer *big.Int, decimals uint8) *big.Int {
	normalized := new(big.Int).Set(answer)
	switch {
	case decimals < NormalizedDecimals:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(NormalizedDecimals-decimals)), nil)
		normalized.Mul(normalized, scale)
	case decimals > NormalizedDecimals:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-NormalizedDecimals)), nil)
		normalized.Quo(normalized, scale)
	}
	return normalized
}

// ManualSource is an in-memory source used by tests and for manual overrides
// during incident response.
type ManualSource struct {
	mu        sync.RWMutex
	answer    *big.Int
	updatedAt time.Time
	decimals  uint8
}

// NewManualSource constructs a source reporting answers in the given decimals.
func NewManualSource(decimals uint8) *ManualSource {
	return &ManualSource{decimals: decimals}
}

// Set records the supplied answer with the provided timestamp.
func (m *ManualSource) Set(answer *big.Int, ts time.Time) {
	if m == nil || answer == nil {
		return
	}
	m.mu.Lock()
	m.answer = new(big.Int).Set(answer)
	m.updatedAt = ts
	m.mu.Unlock()
}

// LatestAnswer returns the stored answer.
func (m *ManualSource) LatestAnswer() (*big.Int, time.Time, error) {
	if m == nil {
		return nil, time.Time{}, fmt.Errorf("oracle: manual source not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.answer == nil {
		return nil, time.Time{}, fmt.Errorf("oracle: manual source has no answer")
	}
	return new(big.Int).Set(m.answer), m.updatedAt, nil
}

// Decimals reports the native precision of the source.
func (m *ManualSource) Decimals() uint8 {
	if m == nil {
		return 0
	}
	return m.decimals
}
