package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-simulator/models"
)

func createTestSnapshot(id string) models.ElectionSnapshot {
	genesis := models.NewBlock(0, 1700000000000, nil, "0")
	genesis.Hash = genesis.ComputeHash(nil)
	return models.ElectionSnapshot{
		ID:         id,
		Phase:      "active",
		Candidates: []models.Candidate{{Name: "Alice", Party: "Blue"}},
		Chain: models.ChainSnapshot{
			Difficulty: 2,
			Hasher:     "sha256",
			Blocks:     []*models.Block{genesis},
			Pending:    []models.Transaction{{VoterID: "v1", CandidateID: "Alice", CreatedAt: 1}},
		},
		UpdatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSaveAndLoadElection(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	snapshot := createTestSnapshot("e1")
	require.NoError(t, store.SaveElection(snapshot))

	loaded, err := store.LoadElection("e1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snapshot, *loaded)

	_, err = os.Stat(filepath.Join(store.Dir(), "election_e1.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingElection(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	loaded, err := store.LoadElection("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	latest, err := store.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestLoadLatest(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveElection(createTestSnapshot("old")))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(store.Dir(), "election_old.json"), old, old))
	require.NoError(t, store.SaveElection(createTestSnapshot("new")))

	latest, err := store.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "new", latest.ID)
}

func TestRejectsUnsafeIDs(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", `a\b`, "a/b"} {
		assert.Error(t, store.SaveElection(createTestSnapshot(id)), id)
	}
}

func TestCorruptFile(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "election_bad.json"), []byte("{"), 0644))

	_, err = store.LoadElection("bad")
	assert.Error(t, err)
}
