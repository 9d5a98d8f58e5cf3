package ledger

import (
	"fmt"

	"github.com/pkg/errors"

	"voting-simulator/models"
)

var (
	ErrInvalidTransaction = models.ErrInvalidTransaction
	ErrMiningTimeout      = models.ErrMiningTimeout
	ErrDuplicateVote      = errors.New("duplicate vote")
	ErrNotInitialized     = errors.New("chain not initialized")
	ErrAlreadyInitialized = errors.New("chain already initialized")
)

type Check string

const (
	CheckHash       Check = "hash"
	CheckLink       Check = "previous_hash"
	CheckDifficulty Check = "difficulty"
	CheckIndex      Check = "index"
)

// IntegrityError describes the first block that failed verification.
type IntegrityError struct {
	BlockIndex uint64 `json:"block_index"`
	Check      Check  `json:"check"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
}

func (e *IntegrityError) Error() string {
	switch e.Check {
	case CheckHash:
		return fmt.Sprintf("block %d hash corrupted: stored %s, computed %s", e.BlockIndex, e.Expected, e.Actual)
	case CheckLink:
		return fmt.Sprintf("block %d previous hash invalid: expected %s, got %s", e.BlockIndex, e.Expected, e.Actual)
	case CheckIndex:
		return fmt.Sprintf("block at position %d has index %s", e.BlockIndex, e.Actual)
	default:
		return fmt.Sprintf("block %d hash %s misses difficulty %s", e.BlockIndex, e.Actual, e.Expected)
	}
}
