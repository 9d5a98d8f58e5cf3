package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-simulator/models"
)

// newTestRepo connects to the Mongo instance named by EVOTE_TEST_MONGO_HOST
// and uses a throwaway database that is dropped when the test ends.
func newTestRepo(t *testing.T) *MongoBlocksRepo {
	t.Helper()
	host := os.Getenv("EVOTE_TEST_MONGO_HOST")
	if host == "" {
		t.Skip("EVOTE_TEST_MONGO_HOST not set")
	}

	db, err := InitMongoConn(host, "evote_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	repo, err := NewMongoBlocksRepo(db)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = repo.Close(ctx)
	})
	return repo
}

func TestMongoBlocksRepoUpsertAndRead(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	genesis := models.NewBlock(0, 1700000000000, nil, "0")
	genesis.Hash = genesis.ComputeHash(nil)
	block := models.NewBlock(1, 1700000000500, []models.Transaction{
		{VoterID: "v1", CandidateID: "Alice", CreatedAt: 1700000000100},
	}, genesis.Hash)
	require.NoError(t, block.Mine(ctx, 1, models.MineOptions{}))

	// out of order and repeated on purpose
	require.NoError(t, repo.UpsertBlock(ctx, "e1", block))
	require.NoError(t, repo.UpsertBlock(ctx, "e1", genesis))
	require.NoError(t, repo.UpsertBlock(ctx, "e1", block))
	require.NoError(t, repo.UpsertBlock(ctx, "e2", genesis))

	blocks, err := repo.Blocks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(0), blocks[0].Index)
	assert.Equal(t, uint64(1), blocks[1].Index)
	assert.Equal(t, block.Hash, blocks[1].Hash)
	assert.Equal(t, block.Transactions, blocks[1].Transactions)
	assert.True(t, blocks[1].Verify(nil))

	missing, err := repo.Blocks(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestNewMongoBlocksRepoIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	again, err := NewMongoBlocksRepo(repo.db)
	require.NoError(t, err)
	assert.NotNil(t, again)
}
