// File: blockchain/ledger/chain.go
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/models"
)

// genesisPreviousHash links the genesis block to nothing.
const genesisPreviousHash = "0"

// Chain is an append-only list of mined vote blocks with a mempool in front
// of it. Every voter may submit exactly one vote over the chain's lifetime.
type Chain struct {
	difficulty    int
	hasher        models.Hasher
	hasherName    string
	yieldEvery    uint64
	yieldDelay    time.Duration
	maxIterations uint64
	maxBlockSize  int
	now           func() time.Time

	mu         sync.RWMutex
	blocks     []*models.Block
	pending    []models.Transaction
	seenVoters map[string]struct{}

	// serializes mining runs; never held together with mu while hashing
	mineMu sync.Mutex
}

type Option func(*Chain)

// WithHasher selects the digest by name ("sha256" or "keccak256").
func WithHasher(name string) Option {
	return func(c *Chain) {
		c.hasherName = name
	}
}

func WithYieldEvery(n uint64) Option {
	return func(c *Chain) { c.yieldEvery = n }
}

func WithYieldDelay(d time.Duration) Option {
	return func(c *Chain) { c.yieldDelay = d }
}

// WithMaxIterations caps the nonce search; 0 means search until found.
func WithMaxIterations(n uint64) Option {
	return func(c *Chain) { c.maxIterations = n }
}

// WithMaxBlockSize limits how many pending votes go into one block; 0 mines
// the whole mempool at once.
func WithMaxBlockSize(n int) Option {
	return func(c *Chain) { c.maxBlockSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

func New(difficulty int, opts ...Option) (*Chain, error) {
	if difficulty < 0 || difficulty > models.HashHexLength {
		return nil, fmt.Errorf("difficulty must be between 0 and %d, got %d", models.HashHexLength, difficulty)
	}

	c := &Chain{
		difficulty: difficulty,
		hasherName: "sha256",
		yieldEvery: models.DefaultYieldEvery,
		now:        time.Now,
		pending:    make([]models.Transaction, 0),
		seenVoters: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBlockSize < 0 {
		return nil, fmt.Errorf("max block size must not be negative, got %d", c.maxBlockSize)
	}

	hasher, err := models.HasherByName(c.hasherName)
	if err != nil {
		return nil, err
	}
	c.hasher = hasher
	return c, nil
}

// Initialize appends the genesis block. Its hash is computed but not mined.
func (c *Chain) Initialize(sink models.ProgressSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.blocks) > 0 {
		return ErrAlreadyInitialized
	}

	genesis := models.NewBlock(0, c.now().UnixMilli(), nil, genesisPreviousHash)
	genesis.Hash = genesis.ComputeHash(c.hasher)
	c.blocks = append(c.blocks, genesis)

	models.Notify(sink, models.Event{
		Kind:    models.EventGenesis,
		Hash:    genesis.Hash,
		Message: "Genesis Block created.",
	})
	return nil
}

// AddVote puts tx in the mempool and marks its voter as having voted. It
// either does both or nothing.
func (c *Chain) AddVote(tx models.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.blocks) == 0 {
		return ErrNotInitialized
	}
	if _, seen := c.seenVoters[tx.VoterID]; seen {
		return errors.Wrapf(ErrDuplicateVote, "voter %s has already voted", tx.VoterID)
	}

	c.pending = append(c.pending, tx)
	c.seenVoters[tx.VoterID] = struct{}{}

	slog.Debug("vote added to mempool", "voter", tx.VoterID, "candidate", tx.CandidateID, "pending", len(c.pending))
	return nil
}

// MinePendingVotes seals the current mempool into a new block. It returns
// (nil, nil) when there is nothing to mine. Votes submitted while the search
// runs stay pending for the next block. A cancelled or timed-out run leaves
// the chain and mempool untouched.
func (c *Chain) MinePendingVotes(ctx context.Context, sink models.ProgressSink) (*models.Block, error) {
	c.mineMu.Lock()
	defer c.mineMu.Unlock()

	c.mu.RLock()
	if len(c.blocks) == 0 {
		c.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	if len(c.pending) == 0 {
		c.mu.RUnlock()
		models.Notify(sink, models.Event{Kind: models.EventNothingToMine, Message: "No votes to mine."})
		return nil, nil
	}

	batch := c.pending
	if c.maxBlockSize > 0 && len(batch) > c.maxBlockSize {
		batch = batch[:c.maxBlockSize]
	}
	latest := c.blocks[len(c.blocks)-1]
	block := models.NewBlock(uint64(len(c.blocks)), c.now().UnixMilli(), batch, latest.Hash)
	c.mu.RUnlock()

	models.Notify(sink, models.Event{
		Kind:    models.EventMiningStarted,
		Index:   block.Index,
		Message: fmt.Sprintf("Starting mining process for %d votes...", len(block.Transactions)),
	})

	err := block.Mine(ctx, c.difficulty, models.MineOptions{
		Hasher:        c.hasher,
		YieldEvery:    c.yieldEvery,
		YieldDelay:    c.yieldDelay,
		MaxIterations: c.maxIterations,
		Sink:          sink,
	})
	if err != nil {
		models.Notify(sink, models.Event{
			Kind:    models.EventMiningAbandoned,
			Index:   block.Index,
			Nonce:   block.Nonce,
			Message: "Mining abandoned, block discarded: " + err.Error(),
		})
		return nil, err
	}

	c.mu.Lock()
	c.blocks = append(c.blocks, block)
	// AddVote only appends, so the mined batch is still the mempool's prefix.
	rest := c.pending[len(block.Transactions):]
	c.pending = make([]models.Transaction, len(rest))
	copy(c.pending, rest)
	c.mu.Unlock()

	models.Notify(sink, models.Event{
		Kind:    models.EventBlockAppended,
		Index:   block.Index,
		Nonce:   block.Nonce,
		Hash:    block.Hash,
		Message: "Block validation successful. Appending to chain.",
	})
	return block.Clone(), nil
}

// LatestBlock returns a copy of the chain tip.
func (c *Chain) LatestBlock() (*models.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return nil, ErrNotInitialized
	}
	return c.blocks[len(c.blocks)-1].Clone(), nil
}

// Verify walks the chain from block 1 and reports the first broken block.
func (c *Chain) Verify(sink models.ProgressSink) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return ErrNotInitialized
	}
	if err := verifyBlocks(c.blocks, c.difficulty, c.hasher); err != nil {
		models.Notify(sink, models.Event{
			Kind:    models.EventChainInvalid,
			Index:   err.BlockIndex,
			Message: "INVALID CHAIN: " + err.Error(),
		})
		return err
	}

	models.Notify(sink, models.Event{Kind: models.EventChainValid, Message: "Blockchain Integrity Check: VALID"})
	return nil
}

func (c *Chain) IsValid() bool {
	return c.Verify(nil) == nil
}

func verifyBlocks(blocks []*models.Block, difficulty int, hasher models.Hasher) *IntegrityError {
	for i := 1; i < len(blocks); i++ {
		current := blocks[i]
		previous := blocks[i-1]

		if computed := current.ComputeHash(hasher); computed != current.Hash {
			return &IntegrityError{BlockIndex: uint64(i), Check: CheckHash, Expected: current.Hash, Actual: computed}
		}
		if current.PreviousHash != previous.Hash {
			return &IntegrityError{BlockIndex: uint64(i), Check: CheckLink, Expected: previous.Hash, Actual: current.PreviousHash}
		}
		if !models.MeetsDifficulty(current.Hash, difficulty) {
			return &IntegrityError{BlockIndex: uint64(i), Check: CheckDifficulty, Expected: strings.Repeat("0", difficulty), Actual: current.Hash}
		}
	}
	return nil
}

// AllVotes lists every mined vote in block order, skipping genesis. It is
// the only source tallies are computed from.
func (c *Chain) AllVotes() []models.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	votes := make([]models.Transaction, 0)
	for i := 1; i < len(c.blocks); i++ {
		votes = append(votes, c.blocks[i].Transactions...)
	}
	return votes
}

func (c *Chain) Pending() []models.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pending := make([]models.Transaction, len(c.pending))
	copy(pending, c.pending)
	return pending
}

func (c *Chain) Blocks() []*models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blocks := make([]*models.Block, len(c.blocks))
	for i, b := range c.blocks {
		blocks[i] = b.Clone()
	}
	return blocks
}

func (c *Chain) Block(index uint64) (*models.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if index >= uint64(len(c.blocks)) {
		return nil, false
	}
	return c.blocks[index].Clone(), true
}

func (c *Chain) HasVoted(voterID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, seen := c.seenVoters[voterID]
	return seen
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

func (c *Chain) Difficulty() int {
	return c.difficulty
}

// Hasher returns the digest used for every block of this chain.
func (c *Chain) Hasher() models.Hasher {
	return c.hasher
}
