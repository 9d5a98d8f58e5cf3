package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidTransaction is returned for a vote missing its voter or candidate identity.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction is a single vote. It is passed around by value and never
// modified once built.
type Transaction struct {
	VoterID     string `json:"voterId"`
	CandidateID string `json:"candidateId"`
	CreatedAt   int64  `json:"timestamp"` // unix milliseconds
}

func NewTransaction(voterID, candidateID string) Transaction {
	return Transaction{
		VoterID:     voterID,
		CandidateID: candidateID,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.VoterID) == "" {
		return errors.Wrap(ErrInvalidTransaction, "vote must include voter ID")
	}
	if strings.TrimSpace(t.CandidateID) == "" {
		return errors.Wrap(ErrInvalidTransaction, "vote must include candidate ID")
	}
	return nil
}
