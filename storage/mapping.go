package storage

import (
	"time"

	"voting-simulator/models"
)

// BlockDoc is a mined block as mirrored to MongoDB.
type BlockDoc struct {
	ElectionID   string    `bson:"election_id"`
	Index        int64     `bson:"index"`
	Timestamp    int64     `bson:"timestamp"`
	PreviousHash string    `bson:"previous_hash"`
	Hash         string    `bson:"hash"`
	Nonce        int64     `bson:"nonce"`
	Transactions []VoteDoc `bson:"transactions"`
	MirroredAt   time.Time `bson:"mirrored_at"`
}

type VoteDoc struct {
	VoterID     string `bson:"voter_id"`
	CandidateID string `bson:"candidate_id"`
	CreatedAt   int64  `bson:"created_at"`
}

// FromBlock maps a chain block to its mirror document.
func (BlockDoc) FromBlock(electionID string, block *models.Block) *BlockDoc {
	txs := make([]VoteDoc, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = VoteDoc{
			VoterID:     tx.VoterID,
			CandidateID: tx.CandidateID,
			CreatedAt:   tx.CreatedAt,
		}
	}

	return &BlockDoc{
		ElectionID:   electionID,
		Index:        int64(block.Index),
		Timestamp:    block.Timestamp,
		PreviousHash: block.PreviousHash,
		Hash:         block.Hash,
		Nonce:        int64(block.Nonce),
		Transactions: txs,
		MirroredAt:   time.Now().UTC(),
	}
}

// ToBlock maps a mirror document back to a chain block.
func (d *BlockDoc) ToBlock() *models.Block {
	txs := make([]models.Transaction, len(d.Transactions))
	for i, tx := range d.Transactions {
		txs[i] = models.Transaction{
			VoterID:     tx.VoterID,
			CandidateID: tx.CandidateID,
			CreatedAt:   tx.CreatedAt,
		}
	}

	return &models.Block{
		Index:        uint64(d.Index),
		Timestamp:    d.Timestamp,
		Transactions: txs,
		PreviousHash: d.PreviousHash,
		Hash:         d.Hash,
		Nonce:        uint64(d.Nonce),
	}
}
