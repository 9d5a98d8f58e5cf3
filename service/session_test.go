package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-simulator/blockchain/ledger"
	"voting-simulator/models"
)

type memoryStore struct {
	mu    sync.Mutex
	saved []models.ElectionSnapshot
	err   error
}

func (s *memoryStore) SaveElection(snapshot models.ElectionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snapshot)
	return s.err
}

func (s *memoryStore) last() models.ElectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[len(s.saved)-1]
}

type recordingMirror struct {
	mu      sync.Mutex
	offline bool
	indexes []uint64
	blocks  map[uint64]*models.Block
}

func (m *recordingMirror) UpsertBlock(_ context.Context, _ string, block *models.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes = append(m.indexes, block.Index)
	if m.offline {
		return errors.New("mirror offline")
	}
	if m.blocks == nil {
		m.blocks = make(map[uint64]*models.Block)
	}
	m.blocks[block.Index] = block.Clone()
	return nil
}

func (m *recordingMirror) Blocks(_ context.Context, _ string) ([]*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, errors.New("mirror offline")
	}
	blocks := make([]*models.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b.Clone())
	}
	return blocks, nil
}

type fakeAnchor struct {
	calls int
	hash  string
}

func (a *fakeAnchor) Anchor(_ context.Context, _ string, tip *models.Block) (string, error) {
	a.calls++
	a.hash = tip.Hash
	return "0xabc", nil
}

type allowList map[string]bool

func (l allowList) IsEligible(voterID string) bool { return l[voterID] }

func newTestElection(t *testing.T, difficulty int, opts ...Option) *Election {
	t.Helper()
	chain, err := ledger.New(difficulty)
	require.NoError(t, err)
	e, err := NewElection(chain, opts...)
	require.NoError(t, err)
	return e
}

func startedElection(t *testing.T, opts ...Option) *Election {
	t.Helper()
	e := newTestElection(t, 1, opts...)
	_, err := e.RegisterCandidate("Alice", "Blue")
	require.NoError(t, err)
	_, err = e.RegisterCandidate("Bob", "Green")
	require.NoError(t, err)
	require.NoError(t, e.Start())
	return e
}

func TestNewElectionCreatesGenesis(t *testing.T) {
	e := newTestElection(t, 1)
	assert.NotEmpty(t, e.ID())
	assert.Equal(t, PhaseSetup, e.Phase())
	assert.Equal(t, 1, e.Chain().Len())
}

func TestRegisterCandidate(t *testing.T) {
	e := newTestElection(t, 1)

	c, err := e.RegisterCandidate("  Alice ", " Blue ")
	require.NoError(t, err)
	assert.Equal(t, models.Candidate{Name: "Alice", Party: "Blue"}, c)

	_, err = e.RegisterCandidate("Alice", "Red")
	assert.True(t, errors.Is(err, ErrCandidateExists))
	_, err = e.RegisterCandidate("Carol", "")
	assert.True(t, errors.Is(err, ErrInvalidCandidate))
	_, err = e.RegisterCandidate(" ", "Blue")
	assert.True(t, errors.Is(err, ErrInvalidCandidate))

	assert.Len(t, e.Candidates(), 1)
}

func TestStartRequiresCandidates(t *testing.T) {
	e := newTestElection(t, 1)
	assert.True(t, errors.Is(e.Start(), ErrNoCandidates))
	assert.Equal(t, PhaseSetup, e.Phase())

	_, err := e.RegisterCandidate("Alice", "Blue")
	require.NoError(t, err)
	require.NoError(t, e.Start())
	assert.Equal(t, PhaseActive, e.Phase())

	assert.True(t, errors.Is(e.Start(), ErrInvalidPhase))
	_, err = e.RegisterCandidate("Bob", "Green")
	assert.True(t, errors.Is(err, ErrInvalidPhase))
}

func TestCastVoteBeforeStart(t *testing.T) {
	e := newTestElection(t, 1)
	_, err := e.RegisterCandidate("Alice", "Blue")
	require.NoError(t, err)

	_, err = e.CastVote("v1", "Alice")
	assert.True(t, errors.Is(err, ErrInvalidPhase))
	_, err = e.Mine(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidPhase))
}

func TestCastVote(t *testing.T) {
	e := startedElection(t)

	tx, err := e.CastVote(" v1 ", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", tx.VoterID)

	_, err = e.CastVote("v1", "Bob")
	assert.True(t, errors.Is(err, ledger.ErrDuplicateVote))
	_, err = e.CastVote("v2", "Mallory")
	assert.True(t, errors.Is(err, ErrUnknownCandidate))
	_, err = e.CastVote("", "Alice")
	assert.True(t, errors.Is(err, ledger.ErrInvalidTransaction))

	assert.Len(t, e.Chain().Pending(), 1)
	assert.False(t, e.Chain().HasVoted("v2"))

	m := e.Metrics().GetMetrics()
	assert.Equal(t, 1, m.Voting.Accepted)
	assert.Equal(t, map[string]int{"duplicate": 1, "unknown_candidate": 1, "invalid": 1}, m.Voting.Rejected)
}

func TestCastVoteChecksRegistry(t *testing.T) {
	e := startedElection(t, WithRegistry(allowList{"v1": true}))

	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.CastVote("v2", "Alice")
	assert.True(t, errors.Is(err, ErrNotEligible))
	assert.False(t, e.Chain().HasVoted("v2"))
}

func TestTallyCountsOnlyMinedVotes(t *testing.T) {
	e := startedElection(t)

	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.CastVote("v2", "Bob")
	require.NoError(t, err)

	results := e.Tally()
	assert.Equal(t, 0, results.TotalVotes)
	assert.Equal(t, 2, results.PendingVotes)

	block, err := e.Mine(context.Background())
	require.NoError(t, err)
	require.NotNil(t, block)

	_, err = e.CastVote("v3", "Alice")
	require.NoError(t, err)

	results = e.Tally()
	assert.Equal(t, []CandidateResult{
		{Name: "Alice", Party: "Blue", Votes: 1},
		{Name: "Bob", Party: "Green", Votes: 1},
	}, results.Candidates)
	assert.Equal(t, 2, results.TotalVotes)
	assert.Equal(t, 1, results.PendingVotes)
	assert.Equal(t, 2, results.Blocks)
}

func TestCountVotesIgnoresUnknownCandidates(t *testing.T) {
	candidates := []models.Candidate{{Name: "Alice", Party: "Blue"}, {Name: "Bob", Party: "Green"}}
	votes := []models.Transaction{
		{VoterID: "v1", CandidateID: "Bob"},
		{VoterID: "v2", CandidateID: "Zed"},
		{VoterID: "v3", CandidateID: "Bob"},
	}

	results, ignored := CountVotes(candidates, votes)
	assert.Equal(t, 1, ignored)
	assert.Equal(t, 0, results[0].Votes)
	assert.Equal(t, 2, results[1].Votes)
}

func TestEndMinesRemainingVotes(t *testing.T) {
	anchor := &fakeAnchor{}
	e := startedElection(t, WithTipAnchor(anchor))

	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.CastVote("v2", "Alice")
	require.NoError(t, err)

	require.NoError(t, e.End(context.Background()))
	assert.Equal(t, PhaseEnded, e.Phase())
	assert.Empty(t, e.Chain().Pending())
	assert.Equal(t, 2, e.Tally().Candidates[0].Votes)

	_, err = e.CastVote("v3", "Bob")
	assert.True(t, errors.Is(err, ErrInvalidPhase))
	assert.True(t, errors.Is(e.End(context.Background()), ErrInvalidPhase))

	assert.Equal(t, 1, anchor.calls)
	tip, err := e.Chain().LatestBlock()
	require.NoError(t, err)
	assert.Equal(t, tip.Hash, anchor.hash)
	assert.Equal(t, "0xabc", e.Status().Anchor)
}

func TestEndWithEmptyMempool(t *testing.T) {
	e := startedElection(t)
	require.NoError(t, e.End(context.Background()))
	assert.Equal(t, PhaseEnded, e.Phase())
	assert.Equal(t, 1, e.Chain().Len())
}

func TestEndFailureKeepsElectionActive(t *testing.T) {
	chain, err := ledger.New(models.HashHexLength, ledger.WithYieldEvery(1))
	require.NoError(t, err)
	e, err := NewElection(chain)
	require.NoError(t, err)
	_, err = e.RegisterCandidate("Alice", "Blue")
	require.NoError(t, err)
	require.NoError(t, e.Start())
	_, err = e.CastVote("v1", "Alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.End(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, PhaseActive, e.Phase())
	assert.Len(t, chain.Pending(), 1)

	_, err = e.CastVote("v2", "Alice")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.Metrics().GetMetrics().Mining.Failures)
}

func TestHooksDoNotBlockProgress(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	mirror := &recordingMirror{offline: true}
	e := startedElection(t, WithSnapshotStore(store), WithBlockMirror(mirror))

	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	block, err := e.Mine(context.Background())
	require.NoError(t, err)
	require.NotNil(t, block)

	assert.Equal(t, []uint64{1}, mirror.indexes)
	snap := store.last()
	assert.Equal(t, e.ID(), snap.ID)
	assert.Equal(t, string(PhaseActive), snap.Phase)
	assert.Len(t, snap.Chain.Blocks, 2)
	assert.Empty(t, snap.Chain.Pending)
}

func TestResyncMirrorCatchesUp(t *testing.T) {
	mirror := &recordingMirror{offline: true}
	e := startedElection(t, WithBlockMirror(mirror))

	for _, v := range []string{"v1", "v2"} {
		_, err := e.CastVote(v, "Alice")
		require.NoError(t, err)
		_, err = e.Mine(context.Background())
		require.NoError(t, err)
	}

	_, err := e.ResyncMirror(context.Background())
	assert.Error(t, err)

	mirror.mu.Lock()
	mirror.offline = false
	mirror.mu.Unlock()

	synced, err := e.ResyncMirror(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, synced)
	assert.Len(t, mirror.blocks, 3)

	synced, err = e.ResyncMirror(context.Background())
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestResyncMirrorWithoutMirror(t *testing.T) {
	e := startedElection(t)
	synced, err := e.ResyncMirror(context.Background())
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestRestoreElection(t *testing.T) {
	store := &memoryStore{}
	e := startedElection(t, WithSnapshotStore(store))
	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.Mine(context.Background())
	require.NoError(t, err)
	_, err = e.CastVote("v2", "Bob")
	require.NoError(t, err)

	restored, err := RestoreElection(store.last(), nil)
	require.NoError(t, err)
	assert.Equal(t, e.ID(), restored.ID())
	assert.Equal(t, PhaseActive, restored.Phase())
	assert.Equal(t, e.Candidates(), restored.Candidates())
	assert.Len(t, restored.Chain().Pending(), 1)

	_, err = restored.CastVote("v1", "Bob")
	assert.True(t, errors.Is(err, ledger.ErrDuplicateVote))
	_, err = restored.CastVote("v2", "Bob")
	assert.True(t, errors.Is(err, ledger.ErrDuplicateVote))

	require.NoError(t, restored.End(context.Background()))
	assert.Equal(t, 2, restored.Tally().TotalVotes)
}

func TestRestoreElectionRejectsTamperedChain(t *testing.T) {
	store := &memoryStore{}
	e := startedElection(t, WithSnapshotStore(store))
	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.Mine(context.Background())
	require.NoError(t, err)

	snap := store.last()
	snap.Chain.Blocks[1].Transactions[0].CandidateID = "Bob"

	_, err = RestoreElection(snap, nil)
	var ierr *ledger.IntegrityError
	assert.True(t, errors.As(err, &ierr))

	snap = store.last()
	snap.Phase = "paused"
	_, err = RestoreElection(snap, nil)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	e := startedElection(t)
	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)

	status := e.Status()
	assert.Equal(t, PhaseActive, status.Phase)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Blocks)
	assert.True(t, status.Valid)
	assert.Len(t, status.LatestHash, models.HashHexLength)
	assert.NoError(t, e.Verify())
}

func TestEventsReachSink(t *testing.T) {
	var mu sync.Mutex
	kinds := map[models.EventKind]int{}
	sink := models.SinkFunc(func(ev models.Event) {
		mu.Lock()
		kinds[ev.Kind]++
		mu.Unlock()
	})

	e := startedElection(t, WithSink(sink))
	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	require.NoError(t, e.End(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, kinds[models.EventGenesis])
	assert.Equal(t, 1, kinds[models.EventVoteAdded])
	assert.Equal(t, 1, kinds[models.EventBlockAppended])
	assert.NotZero(t, kinds[models.EventElection])
}

func TestAutoMine(t *testing.T) {
	e := startedElection(t)
	miner := e.EnableAutoMine(10 * time.Millisecond)
	defer miner.Stop()

	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.CastVote("v2", "Bob")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(e.Chain().AllVotes()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.Chain().Pending())
}

func TestAutoMinerStopsOnEnd(t *testing.T) {
	e := startedElection(t)
	e.EnableAutoMine(time.Hour)

	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)

	require.NoError(t, e.End(context.Background()))
	assert.Len(t, e.Chain().AllVotes(), 1)
	assert.Equal(t, 2, e.Chain().Len())
}

func TestAutoMinePicksUpRestoredVotes(t *testing.T) {
	store := &memoryStore{}
	e := startedElection(t, WithSnapshotStore(store))
	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)

	restored, err := RestoreElection(store.last(), nil)
	require.NoError(t, err)
	require.Len(t, restored.Chain().Pending(), 1)

	restored.EnableAutoMine(10 * time.Millisecond)
	defer restored.DisableAutoMine()

	assert.Eventually(t, func() bool {
		return len(restored.Chain().AllVotes()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDisabledAutoMinerStaysStoppedAfterFailedEnd(t *testing.T) {
	chain, err := ledger.New(models.HashHexLength, ledger.WithYieldEvery(1))
	require.NoError(t, err)
	e, err := NewElection(chain)
	require.NoError(t, err)
	_, err = e.RegisterCandidate("Alice", "Blue")
	require.NoError(t, err)
	require.NoError(t, e.Start())
	miner := e.EnableAutoMine(time.Hour)

	e.DisableAutoMine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.CastVote("v1", "Alice")
	require.NoError(t, err)
	require.Error(t, e.End(ctx))

	miner.mu.Lock()
	defer miner.mu.Unlock()
	assert.False(t, miner.running)
}

func TestMetricsReset(t *testing.T) {
	e := startedElection(t)
	_, err := e.CastVote("v1", "Alice")
	require.NoError(t, err)
	_, err = e.Mine(context.Background())
	require.NoError(t, err)

	m := e.Metrics().GetMetrics()
	assert.Equal(t, 1, m.Mining.Blocks)
	assert.Equal(t, 1, m.Mining.Votes)
	assert.NotZero(t, m.Mining.NonceAttempts)

	e.Metrics().Reset()
	m = e.Metrics().GetMetrics()
	assert.Zero(t, m.Mining.Blocks)
	assert.Zero(t, m.Voting.Accepted)
	assert.Empty(t, m.Voting.Rejected)
}
