package oracle

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Storage abstracts the subset of state persistence required by the custom
// feed round log.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// AdminChecker reports whether the address holds the feed admin capability.
type AdminChecker func([20]byte) bool

// Round is a single accepted price observation. Past rounds are immutable and
// queryable by id indefinitely.
type Round struct {
	RoundID   uint64
	Answer    *big.Int
	StartedAt int64
	UpdatedAt int64
}

// Copy returns a deep copy so callers cannot mutate the stored round.
func (r Round) Copy() Round {
	clone := r
	if r.Answer != nil {
		clone.Answer = new(big.Int).Set(r.Answer)
	}
	return clone
}

type storedRound struct {
	RoundID   uint64
	Answer    string
	StartedAt uint64
	UpdatedAt uint64
}

// CustomFeed is a self-reported price source for assets lacking a third-party
// oracle. Accepted updates append a new round; SetRoundDataSafe additionally
// guards against large jumps between consecutive answers.
type CustomFeed struct {
	mu              sync.Mutex
	store           Storage
	name            string
	decimals        uint8
	minAnswer       *big.Int
	maxAnswer       *big.Int
	maxDeviationBps uint64
	admin           AdminChecker
	clock           func() time.Time
}

// NewCustomFeed constructs a feed persisting rounds under the supplied name.
// minAnswer/maxAnswer are expressed in the feed's native decimals.
func NewCustomFeed(store Storage, name string, decimals uint8, minAnswer, maxAnswer *big.Int, maxDeviationBps uint64, admin AdminChecker) (*CustomFeed, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: feed name required")
	}
	if store == nil {
		return nil, fmt.Errorf("oracle: storage required")
	}
	feed := &CustomFeed{
		store:           store,
		name:            trimmed,
		decimals:        decimals,
		maxDeviationBps: maxDeviationBps,
		admin:           admin,
		clock:           time.Now,
	}
	if minAnswer != nil {
		feed.minAnswer = new(big.Int).Set(minAnswer)
	}
	if maxAnswer != nil {
		feed.maxAnswer = new(big.Int).Set(maxAnswer)
	}
	return feed, nil
}

// SetClock overrides the time source for deterministic testing.
func (f *CustomFeed) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.clock = clock
}

// SetRoundData appends a new round after validating the caller and bounds.
func (f *CustomFeed) SetRoundData(caller [20]byte, answer *big.Int) error {
	return f.setRound(caller, answer, false)
}

// SetRoundDataSafe appends a new round after validating the caller, bounds and
// the deviation from the previous answer. The very first update is
// unconstrained; a previous answer of zero is treated as "no prior answer".
func (f *CustomFeed) SetRoundDataSafe(caller [20]byte, answer *big.Int) error {
	return f.setRound(caller, answer, true)
}

func (f *CustomFeed) setRound(caller [20]byte, answer *big.Int, guarded bool) error {
	if f == nil {
		return fmt.Errorf("oracle: custom feed not configured")
	}
	if f.admin != nil && !f.admin(caller) {
		return ErrUnauthorized
	}
	if answer == nil {
		return fmt.Errorf("oracle: answer required")
	}
	if f.minAnswer != nil && answer.Cmp(f.minAnswer) < 0 {
		return ErrAnswerOutOfBounds
	}
	if f.maxAnswer != nil && answer.Cmp(f.maxAnswer) > 0 {
		return ErrAnswerOutOfBounds
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	latest, ok, err := f.loadLatest()
	if err != nil {
		return err
	}
	if guarded && ok && latest.Answer != nil && latest.Answer.Sign() > 0 {
		if exceedsDeviation(latest.Answer, answer, f.maxDeviationBps) {
			return ErrDeviationExceeded
		}
	}
	now := f.clock().UTC().Unix()
	next := Round{RoundID: latest.RoundID + 1, Answer: new(big.Int).Set(answer), StartedAt: now, UpdatedAt: now}
	if err := f.store.KVPut(f.roundKey(next.RoundID), toStoredRound(next)); err != nil {
		return err
	}
	return f.store.KVPut(f.latestKey(), next.RoundID)
}

// exceedsDeviation reports whether |next-prev|/prev is strictly beyond
// maxDeviationBps. Values exactly at the boundary are accepted.
func exceedsDeviation(prev, next *big.Int, maxDeviationBps uint64) bool {
	if maxDeviationBps == 0 {
		return prev.Cmp(next) != 0
	}
	diff := new(big.Int).Sub(next, prev)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	deviation := new(big.Rat).SetFrac(diff, new(big.Int).Set(prev))
	threshold := big.NewRat(int64(maxDeviationBps), 10000)
	return deviation.Cmp(threshold) > 0
}

// GetRoundData returns the round recorded under the supplied id.
func (f *CustomFeed) GetRoundData(roundID uint64) (Round, error) {
	if f == nil {
		return Round{}, fmt.Errorf("oracle: custom feed not configured")
	}
	var stored storedRound
	ok, err := f.store.KVGet(f.roundKey(roundID), &stored)
	if err != nil {
		return Round{}, err
	}
	if !ok {
		return Round{}, ErrRoundNotFound
	}
	return fromStoredRound(stored)
}

// LatestRoundData returns the most recently accepted round. Before any update
// the initial round 0 with a zero answer is reported.
func (f *CustomFeed) LatestRoundData() (Round, error) {
	if f == nil {
		return Round{}, fmt.Errorf("oracle: custom feed not configured")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	latest, _, err := f.loadLatest()
	if err != nil {
		return Round{}, err
	}
	return latest.Copy(), nil
}

// LatestAnswer satisfies Source so a CustomFeed can back a Feed directly.
func (f *CustomFeed) LatestAnswer() (*big.Int, time.Time, error) {
	round, err := f.LatestRoundData()
	if err != nil {
		return nil, time.Time{}, err
	}
	if round.RoundID == 0 || round.Answer == nil {
		return nil, time.Time{}, fmt.Errorf("oracle: feed %s has no rounds", f.name)
	}
	return new(big.Int).Set(round.Answer), time.Unix(round.UpdatedAt, 0).UTC(), nil
}

// Decimals reports the native precision of the feed answers.
func (f *CustomFeed) Decimals() uint8 {
	if f == nil {
		return 0
	}
	return f.decimals
}

func (f *CustomFeed) loadLatest() (Round, bool, error) {
	var latestID uint64
	ok, err := f.store.KVGet(f.latestKey(), &latestID)
	if err != nil {
		return Round{}, false, err
	}
	if !ok || latestID == 0 {
		return Round{RoundID: 0, Answer: big.NewInt(0)}, false, nil
	}
	var stored storedRound
	ok, err = f.store.KVGet(f.roundKey(latestID), &stored)
	if err != nil {
		return Round{}, false, err
	}
	if !ok {
		return Round{}, false, fmt.Errorf("oracle: feed %s latest round %d missing", f.name, latestID)
	}
	round, err := fromStoredRound(stored)
	if err != nil {
		return Round{}, false, err
	}
	return round, true, nil
}

func (f *CustomFeed) roundKey(id uint64) []byte {
	return []byte("oracle/" + f.name + "/round/" + strconv.FormatUint(id, 10))
}

func (f *CustomFeed) latestKey() []byte {
	return []byte("oracle/" + f.name + "/latest")
}

func toStoredRound(round Round) storedRound {
	stored := storedRound{RoundID: round.RoundID}
	if round.Answer != nil {
		stored.Answer = round.Answer.String()
	}
	if round.StartedAt > 0 {
		stored.StartedAt = uint64(round.StartedAt)
	}
	if round.UpdatedAt > 0 {
		stored.UpdatedAt = uint64(round.UpdatedAt)
	}
	return stored
}

func fromStoredRound(stored storedRound) (Round, error) {
	round := Round{RoundID: stored.RoundID, StartedAt: int64(stored.StartedAt), UpdatedAt: int64(stored.UpdatedAt)}
	if strings.TrimSpace(stored.Answer) == "" {
		round.Answer = big.NewInt(0)
		return round, nil
	}
	answer, ok := new(big.Int).SetString(strings.TrimSpace(stored.Answer), 10)
	if !ok {
		return Round{}, fmt.Errorf("oracle: invalid stored answer %q", stored.Answer)
	}
	round.Answer = answer
	return round, nil
}
