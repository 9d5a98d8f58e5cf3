package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/blockchain/ledger"
	"voting-simulator/models"
)

type Phase string

const (
	PhaseSetup  Phase = "setup"
	PhaseActive Phase = "active"
	PhaseEnded  Phase = "ended"
)

var (
	ErrInvalidPhase     = errors.New("operation not allowed in current election phase")
	ErrNoCandidates     = errors.New("election needs at least one candidate")
	ErrUnknownCandidate = errors.New("unknown candidate")
	ErrCandidateExists  = errors.New("candidate already registered")
	ErrInvalidCandidate = errors.New("candidate name and party are required")
	ErrNotEligible      = errors.New("voter is not eligible")
)

// EligibilityChecker answers whether a voter may take part at all. The
// one-vote rule is enforced by the chain, not here.
type EligibilityChecker interface {
	IsEligible(voterID string) bool
}

type SnapshotStore interface {
	SaveElection(snapshot models.ElectionSnapshot) error
}

// BlockMirror keeps a secondary copy of mined blocks, keyed by election and
// index. Upserts must be idempotent.
type BlockMirror interface {
	UpsertBlock(ctx context.Context, electionID string, block *models.Block) error
	Blocks(ctx context.Context, electionID string) ([]*models.Block, error)
}

// TipAnchor publishes the final chain tip somewhere outside this process and
// returns a reference to the publication.
type TipAnchor interface {
	Anchor(ctx context.Context, electionID string, tip *models.Block) (string, error)
}

// Election drives one voting session over a chain: candidates are registered
// in Setup, votes are taken while Active, and End seals the remaining mempool.
type Election struct {
	id    string
	chain *ledger.Chain

	sink     models.ProgressSink
	metrics  *MetricsCollector
	registry EligibilityChecker
	store    SnapshotStore
	mirror   BlockMirror
	anchor   TipAnchor

	mu         sync.RWMutex
	phase      Phase
	closing    bool
	candidates []models.Candidate
	anchorRef  string
	autoMiner  *AutoMiner

	persistMu sync.Mutex
}

type Option func(*Election)

func WithSink(sink models.ProgressSink) Option {
	return func(e *Election) { e.sink = sink }
}

func WithMetrics(metrics *MetricsCollector) Option {
	return func(e *Election) { e.metrics = metrics }
}

func WithRegistry(registry EligibilityChecker) Option {
	return func(e *Election) { e.registry = registry }
}

func WithSnapshotStore(store SnapshotStore) Option {
	return func(e *Election) { e.store = store }
}

func WithBlockMirror(mirror BlockMirror) Option {
	return func(e *Election) { e.mirror = mirror }
}

func WithTipAnchor(anchor TipAnchor) Option {
	return func(e *Election) { e.anchor = anchor }
}

// NewElection starts a session in Setup over chain, creating its genesis
// block if the chain has none yet.
func NewElection(chain *ledger.Chain, opts ...Option) (*Election, error) {
	e := newElection(uuid.NewString(), chain, opts...)
	if chain.Len() == 0 {
		if err := chain.Initialize(e.sink); err != nil {
			return nil, errors.Wrap(err, "failed to initialize chain")
		}
	}

	slog.Info("election created", "id", e.id, "difficulty", chain.Difficulty())
	e.persist()
	return e, nil
}

// RestoreElection rebuilds a session from a stored snapshot. The chain is
// verified while being restored.
func RestoreElection(snapshot models.ElectionSnapshot, chainOpts []ledger.Option, opts ...Option) (*Election, error) {
	phase := Phase(snapshot.Phase)
	switch phase {
	case PhaseSetup, PhaseActive, PhaseEnded:
	default:
		return nil, fmt.Errorf("snapshot has unknown phase %q", snapshot.Phase)
	}
	if snapshot.ID == "" {
		return nil, errors.New("snapshot has no election id")
	}

	chain, err := ledger.Restore(snapshot.Chain, chainOpts...)
	if err != nil {
		return nil, err
	}

	e := newElection(snapshot.ID, chain, opts...)
	e.phase = phase
	e.anchorRef = snapshot.Anchor
	e.candidates = append(e.candidates, snapshot.Candidates...)
	if e.phase == PhaseActive {
		e.metrics.StartVotingPhase()
	}

	slog.Info("election restored", "id", e.id, "phase", e.phase, "blocks", chain.Len(), "pending", len(chain.Pending()))
	return e, nil
}

func newElection(id string, chain *ledger.Chain, opts ...Option) *Election {
	e := &Election{
		id:         id,
		chain:      chain,
		phase:      PhaseSetup,
		candidates: make([]models.Candidate, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetricsCollector()
	}
	return e
}

func (e *Election) ID() string {
	return e.id
}

func (e *Election) Chain() *ledger.Chain {
	return e.chain
}

func (e *Election) Metrics() *MetricsCollector {
	return e.metrics
}

func (e *Election) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

func (e *Election) Candidates() []models.Candidate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := make([]models.Candidate, len(e.candidates))
	copy(candidates, e.candidates)
	return candidates
}

func (e *Election) RegisterCandidate(name, party string) (models.Candidate, error) {
	candidate := models.Candidate{Name: strings.TrimSpace(name), Party: strings.TrimSpace(party)}
	if candidate.Name == "" || candidate.Party == "" {
		return models.Candidate{}, ErrInvalidCandidate
	}

	e.mu.Lock()
	if e.phase != PhaseSetup {
		e.mu.Unlock()
		return models.Candidate{}, errors.Wrap(ErrInvalidPhase, "candidates can only be added before the election starts")
	}
	for _, c := range e.candidates {
		if c.Name == candidate.Name {
			e.mu.Unlock()
			return models.Candidate{}, errors.Wrapf(ErrCandidateExists, "candidate %s", candidate.Name)
		}
	}
	e.candidates = append(e.candidates, candidate)
	e.mu.Unlock()

	e.notify(fmt.Sprintf("Candidate %s (%s) added.", candidate.Name, candidate.Party))
	e.persist()
	return candidate, nil
}

func (e *Election) Start() error {
	e.mu.Lock()
	if e.phase != PhaseSetup {
		e.mu.Unlock()
		return errors.Wrap(ErrInvalidPhase, "election already started")
	}
	if len(e.candidates) == 0 {
		e.mu.Unlock()
		return ErrNoCandidates
	}
	e.phase = PhaseActive
	e.mu.Unlock()

	e.metrics.StartVotingPhase()
	slog.Info("election started", "id", e.id, "candidates", len(e.candidates))
	e.notify("Election started. Voting is now open.")
	e.persist()
	return nil
}

// CastVote records a vote for a registered candidate in the mempool.
func (e *Election) CastVote(voterID, candidateID string) (models.Transaction, error) {
	tx, err := e.castVote(voterID, candidateID)
	if err != nil {
		e.metrics.RecordVoteRejected(rejectionReason(err))
		return models.Transaction{}, err
	}
	e.metrics.RecordVoteAccepted()

	models.Notify(e.sink, models.Event{
		Kind:    models.EventVoteAdded,
		Message: fmt.Sprintf("Vote from %s for %s added to pending pool.", tx.VoterID, tx.CandidateID),
	})
	e.persist()

	e.mu.RLock()
	miner := e.autoMiner
	e.mu.RUnlock()
	if miner != nil {
		miner.Trigger()
	}
	return tx, nil
}

func (e *Election) castVote(voterID, candidateID string) (models.Transaction, error) {
	tx := models.NewTransaction(strings.TrimSpace(voterID), strings.TrimSpace(candidateID))
	if err := tx.Validate(); err != nil {
		return models.Transaction{}, err
	}

	// The read lock is held across AddVote so End cannot close intake while
	// a vote is halfway in.
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.phase != PhaseActive || e.closing {
		return models.Transaction{}, errors.Wrap(ErrInvalidPhase, "election is not accepting votes")
	}
	if !e.hasCandidate(tx.CandidateID) {
		return models.Transaction{}, errors.Wrapf(ErrUnknownCandidate, "candidate %s", tx.CandidateID)
	}
	if e.registry != nil && !e.registry.IsEligible(tx.VoterID) {
		return models.Transaction{}, errors.Wrapf(ErrNotEligible, "voter %s", tx.VoterID)
	}
	if err := e.chain.AddVote(tx); err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

func (e *Election) hasCandidate(name string) bool {
	for _, c := range e.candidates {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Mine seals the current mempool into a block. It returns (nil, nil) when
// there is nothing to mine.
func (e *Election) Mine(ctx context.Context) (*models.Block, error) {
	e.mu.RLock()
	open := e.phase == PhaseActive && !e.closing
	e.mu.RUnlock()
	if !open {
		return nil, errors.Wrap(ErrInvalidPhase, "mining is only available while the election is active")
	}
	return e.mine(ctx)
}

func (e *Election) mine(ctx context.Context) (*models.Block, error) {
	start := time.Now()
	block, err := e.chain.MinePendingVotes(ctx, e.sink)
	if err != nil {
		e.metrics.RecordMiningFailure()
		return nil, err
	}
	if block == nil {
		return nil, nil
	}

	e.metrics.RecordBlockMined(block, time.Since(start))
	slog.Info("block mined", "election", e.id, "index", block.Index, "votes", len(block.Transactions), "nonce", block.Nonce, "hash", block.Hash)

	if e.mirror != nil {
		if err := e.mirror.UpsertBlock(ctx, e.id, block); err != nil {
			slog.Error("failed to mirror block", "election", e.id, "index", block.Index, "error", err)
		}
	}
	e.persist()
	return block, nil
}

// ResyncMirror copies every mined block the mirror is missing or holds a
// different hash for. Mirror writes during mining are best effort, so this
// catches up on blocks lost while the mirror was unreachable.
func (e *Election) ResyncMirror(ctx context.Context) (int, error) {
	if e.mirror == nil {
		return 0, nil
	}
	mirrored, err := e.mirror.Blocks(ctx, e.id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read mirrored blocks")
	}
	have := make(map[uint64]string, len(mirrored))
	for _, b := range mirrored {
		have[b.Index] = b.Hash
	}

	synced := 0
	for _, block := range e.chain.Blocks() {
		if hash, ok := have[block.Index]; ok && hash == block.Hash {
			continue
		}
		if err := e.mirror.UpsertBlock(ctx, e.id, block); err != nil {
			return synced, errors.Wrapf(err, "failed to mirror block %d", block.Index)
		}
		synced++
	}
	if synced > 0 {
		slog.Info("mirror resynced", "election", e.id, "blocks", synced)
	}
	return synced, nil
}

// End closes vote intake and force-mines whatever is still pending. If the
// final mining pass fails the election stays active and the error is
// returned, so End can be retried.
func (e *Election) End(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseActive || e.closing {
		e.mu.Unlock()
		return errors.Wrap(ErrInvalidPhase, "only an active election can be ended")
	}
	e.closing = true
	miner := e.autoMiner
	e.mu.Unlock()

	if miner != nil {
		miner.Stop()
	}
	e.notify("Voting closed. Mining remaining votes...")

	for len(e.chain.Pending()) > 0 {
		if _, err := e.mine(ctx); err != nil {
			e.mu.Lock()
			e.closing = false
			e.mu.Unlock()
			if miner != nil {
				miner.Start()
			}
			slog.Error("final mining pass failed, election remains active", "id", e.id, "error", err)
			return errors.Wrap(err, "failed to mine remaining votes")
		}
	}

	e.mu.Lock()
	e.phase = PhaseEnded
	e.closing = false
	e.mu.Unlock()

	e.metrics.EndVotingPhase()
	e.anchorTip(ctx)

	results := e.Tally()
	slog.Info("election ended", "id", e.id, "votes", results.TotalVotes, "blocks", e.chain.Len())
	e.notify("Election ended. Final results are available.")
	e.persist()
	return nil
}

func (e *Election) anchorTip(ctx context.Context) {
	if e.anchor == nil {
		return
	}
	tip, err := e.chain.LatestBlock()
	if err != nil {
		slog.Error("failed to read chain tip for anchoring", "id", e.id, "error", err)
		return
	}
	ref, err := e.anchor.Anchor(ctx, e.id, tip)
	if err != nil {
		slog.Error("failed to anchor chain tip", "id", e.id, "hash", tip.Hash, "error", err)
		return
	}

	e.mu.Lock()
	e.anchorRef = ref
	e.mu.Unlock()
	slog.Info("chain tip anchored", "id", e.id, "hash", tip.Hash, "ref", ref)
}

func (e *Election) Verify() error {
	return e.chain.Verify(e.sink)
}

// Snapshot captures everything needed to resume the session later.
func (e *Election) Snapshot() models.ElectionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := make([]models.Candidate, len(e.candidates))
	copy(candidates, e.candidates)
	return models.ElectionSnapshot{
		ID:         e.id,
		Phase:      string(e.phase),
		Candidates: candidates,
		Chain:      e.chain.Snapshot(),
		Anchor:     e.anchorRef,
		UpdatedAt:  time.Now().UTC(),
	}
}

// persist writes the current snapshot. Store failures are logged and never
// undo the change that triggered them.
func (e *Election) persist() {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if err := e.store.SaveElection(e.Snapshot()); err != nil {
		slog.Error("failed to persist election", "id", e.id, "error", err)
	}
}

func (e *Election) notify(message string) {
	models.Notify(e.sink, models.Event{Kind: models.EventElection, Message: message})
}

// Status summarizes the session for display.
type Status struct {
	ID         string             `json:"id"`
	Phase      Phase              `json:"phase"`
	Candidates []models.Candidate `json:"candidates"`
	Difficulty int                `json:"difficulty"`
	Blocks     int                `json:"blocks"`
	Pending    int                `json:"pending"`
	LatestHash string             `json:"latest_hash"`
	Valid      bool               `json:"valid"`
	Anchor     string             `json:"anchor,omitempty"`
}

func (e *Election) Status() Status {
	e.mu.RLock()
	phase, anchorRef := e.phase, e.anchorRef
	e.mu.RUnlock()

	status := Status{
		ID:         e.id,
		Phase:      phase,
		Candidates: e.Candidates(),
		Difficulty: e.chain.Difficulty(),
		Blocks:     e.chain.Len(),
		Pending:    len(e.chain.Pending()),
		Valid:      e.chain.IsValid(),
		Anchor:     anchorRef,
	}
	if tip, err := e.chain.LatestBlock(); err == nil {
		status.LatestHash = tip.Hash
	}
	return status
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidTransaction):
		return "invalid"
	case errors.Is(err, ledger.ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, ErrUnknownCandidate):
		return "unknown_candidate"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrInvalidPhase):
		return "phase"
	default:
		return "other"
	}
}
