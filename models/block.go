package models

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultYieldEvery is the number of nonce attempts between two yields of a mining run.
const DefaultYieldEvery = 1000

// ErrMiningTimeout is returned when a mining run exhausts MaxIterations.
var ErrMiningTimeout = errors.New("mining timeout")

type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    int64         `json:"timestamp"` // unix milliseconds
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
	Hash         string        `json:"hash"`
	Nonce        uint64        `json:"nonce"`
}

// MineOptions tunes a mining run. The zero value mines with SHA-256,
// yields every DefaultYieldEvery attempts and never gives up.
type MineOptions struct {
	Hasher        Hasher
	YieldEvery    uint64
	YieldDelay    time.Duration
	MaxIterations uint64
	Sink          ProgressSink
}

func NewBlock(index uint64, timestamp int64, txs []Transaction, previousHash string) *Block {
	batch := make([]Transaction, len(txs))
	copy(batch, txs)
	return &Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: batch,
		PreviousHash: previousHash,
	}
}

// ComputeHash digests the block's content with hasher (SHA-256 when nil).
// The stored Hash is not part of the input.
func (b *Block) ComputeHash(hasher Hasher) string {
	if hasher == nil {
		hasher = SHA256Hex
	}
	prefix := b.contentPrefix()
	return hasher(appendNonce(prefix, b.Nonce))
}

// Verify reports whether the stored hash matches the block content.
func (b *Block) Verify(hasher Hasher) bool {
	return b.Hash == b.ComputeHash(hasher)
}

// Mine searches for a nonce whose hash carries difficulty leading zero hex
// digits, starting from the current nonce. Nonce and Hash are updated in
// place. Cancellation is only observed at yield points.
func (b *Block) Mine(ctx context.Context, difficulty int, opts MineOptions) error {
	hasher := opts.Hasher
	if hasher == nil {
		hasher = SHA256Hex
	}
	yieldEvery := opts.YieldEvery
	if yieldEvery == 0 {
		yieldEvery = DefaultYieldEvery
	}
	if difficulty < 0 || difficulty > HashHexLength {
		return fmt.Errorf("difficulty %d outside [0, %d]", difficulty, HashHexLength)
	}

	target := strings.Repeat("0", difficulty)
	prefix := b.contentPrefix()
	buf := make([]byte, 0, len(prefix)+8)

	var iterations uint64
	b.Hash = hasher(appendNonce(append(buf[:0], prefix...), b.Nonce))
	for !strings.HasPrefix(b.Hash, target) {
		iterations++
		if opts.MaxIterations > 0 && iterations >= opts.MaxIterations {
			Notify(opts.Sink, Event{
				Kind:    EventMiningAbandoned,
				Index:   b.Index,
				Nonce:   b.Nonce,
				Message: fmt.Sprintf("Mining gave up after %d attempts", iterations),
			})
			return errors.Wrapf(ErrMiningTimeout, "block %d after %d attempts", b.Index, iterations)
		}

		b.Nonce++
		b.Hash = hasher(appendNonce(append(buf[:0], prefix...), b.Nonce))

		if iterations%yieldEvery == 0 {
			Notify(opts.Sink, Event{
				Kind:    EventMiningProgress,
				Index:   b.Index,
				Nonce:   b.Nonce,
				Hash:    b.Hash,
				Message: fmt.Sprintf("Mining... Nonce: %d, Hash: %s...", b.Nonce, shortHash(b.Hash)),
			})
			if err := yield(ctx, opts.YieldDelay); err != nil {
				return errors.Wrapf(err, "mining block %d interrupted", b.Index)
			}
		}
	}

	Notify(opts.Sink, Event{
		Kind:    EventBlockMined,
		Index:   b.Index,
		Nonce:   b.Nonce,
		Hash:    b.Hash,
		Message: "BLOCK MINED: " + b.Hash,
	})
	return nil
}

func yield(ctx context.Context, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delay <= 0 {
		runtime.Gosched()
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// contentPrefix serializes everything except the nonce. Strings are written
// as length-prefixed raw bytes so adjacent fields cannot bleed into each other
// and no byte of an ID is rewritten on the way to the hasher.
func (b *Block) contentPrefix() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	writeString(buffer, b.PreviousHash)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)

	binary.Write(buffer, binary.BigEndian, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		writeString(buffer, tx.VoterID)
		writeString(buffer, tx.CandidateID)
		binary.Write(buffer, binary.BigEndian, tx.CreatedAt)
	}
	return buffer.Bytes()
}

func writeString(buffer *bytes.Buffer, s string) {
	binary.Write(buffer, binary.BigEndian, uint32(len(s)))
	buffer.WriteString(s)
}

func appendNonce(prefix []byte, nonce uint64) []byte {
	return binary.BigEndian.AppendUint64(prefix, nonce)
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	c := *b
	c.Transactions = make([]Transaction, len(b.Transactions))
	copy(c.Transactions, b.Transactions)
	return &c
}

func shortHash(hash string) string {
	if len(hash) > 15 {
		return hash[:15]
	}
	return hash
}
