package ledger

import (
	"strconv"

	"github.com/pkg/errors"

	"voting-simulator/models"
)

func (c *Chain) Snapshot() models.ChainSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blocks := make([]*models.Block, len(c.blocks))
	for i, b := range c.blocks {
		blocks[i] = b.Clone()
	}
	pending := make([]models.Transaction, len(c.pending))
	copy(pending, c.pending)

	return models.ChainSnapshot{
		Difficulty: c.difficulty,
		Hasher:     c.hasherName,
		Blocks:     blocks,
		Pending:    pending,
	}
}

// Restore rebuilds a chain from a snapshot. The voter set is recovered from
// mined and pending votes, and a snapshot that fails verification is refused.
func Restore(snapshot models.ChainSnapshot, opts ...Option) (*Chain, error) {
	if snapshot.Hasher != "" {
		opts = append([]Option{WithHasher(snapshot.Hasher)}, opts...)
	}
	c, err := New(snapshot.Difficulty, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to restore chain")
	}
	if len(snapshot.Blocks) == 0 {
		return nil, errors.Wrap(ErrNotInitialized, "snapshot has no genesis block")
	}

	for _, b := range snapshot.Blocks {
		if b == nil {
			return nil, errors.New("snapshot contains an empty block")
		}
		c.blocks = append(c.blocks, b.Clone())
	}
	if ierr := verifyLayout(c.blocks, c.hasher); ierr != nil {
		return nil, errors.Wrap(ierr, "snapshot failed verification")
	}
	if ierr := verifyBlocks(c.blocks, c.difficulty, c.hasher); ierr != nil {
		return nil, errors.Wrap(ierr, "snapshot failed verification")
	}

	record := func(tx models.Transaction) error {
		if _, seen := c.seenVoters[tx.VoterID]; seen {
			return errors.Wrapf(ErrDuplicateVote, "snapshot holds a second vote from %s", tx.VoterID)
		}
		c.seenVoters[tx.VoterID] = struct{}{}
		return nil
	}
	for i := 1; i < len(c.blocks); i++ {
		for _, tx := range c.blocks[i].Transactions {
			if err := record(tx); err != nil {
				return nil, err
			}
		}
	}
	for _, tx := range snapshot.Pending {
		if err := tx.Validate(); err != nil {
			return nil, err
		}
		if err := record(tx); err != nil {
			return nil, err
		}
		c.pending = append(c.pending, tx)
	}
	return c, nil
}

// verifyLayout covers what verifyBlocks takes for granted on a chain built in
// process: a well-formed genesis and block indexes matching their positions.
func verifyLayout(blocks []*models.Block, hasher models.Hasher) *IntegrityError {
	for i, b := range blocks {
		if b.Index != uint64(i) {
			return &IntegrityError{BlockIndex: uint64(i), Check: CheckIndex, Expected: strconv.Itoa(i), Actual: strconv.FormatUint(b.Index, 10)}
		}
	}

	genesis := blocks[0]
	if genesis.PreviousHash != genesisPreviousHash {
		return &IntegrityError{BlockIndex: 0, Check: CheckLink, Expected: genesisPreviousHash, Actual: genesis.PreviousHash}
	}
	if computed := genesis.ComputeHash(hasher); computed != genesis.Hash {
		return &IntegrityError{BlockIndex: 0, Check: CheckHash, Expected: genesis.Hash, Actual: computed}
	}
	return nil
}
