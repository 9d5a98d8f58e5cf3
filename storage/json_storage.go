package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/models"
)

const electionFilePattern = "election_*.json"

// JSONStore keeps one JSON snapshot file per election under basePath.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
}

type snapshotFile struct {
	path    string
	modTime int64
}

type snapshotFiles []snapshotFile

func (f snapshotFiles) Len() int           { return len(f) }
func (f snapshotFiles) Less(i, j int) bool { return f[i].modTime < f[j].modTime }
func (f snapshotFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewJSONStore(basePath string) (*JSONStore, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get absolute path")
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	return &JSONStore{basePath: absPath}, nil
}

func (s *JSONStore) Dir() string {
	return s.basePath
}

func (s *JSONStore) electionPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid election id %q", id)
	}
	return filepath.Join(s.basePath, fmt.Sprintf("election_%s.json", id)), nil
}

// SaveElection writes the snapshot through a temporary file so a crash never
// leaves a half-written snapshot behind.
func (s *JSONStore) SaveElection(snapshot models.ElectionSnapshot) error {
	path, err := s.electionPath(snapshot.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal election")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write election file")
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to save election file")
	}
	return nil
}

// LoadElection reads the snapshot of one election. It returns (nil, nil)
// when none was stored.
func (s *JSONStore) LoadElection(id string) (*models.ElectionSnapshot, error) {
	path, err := s.electionPath(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return readSnapshot(path)
}

// LoadLatest returns the most recently written election snapshot, or
// (nil, nil) when the directory holds none.
func (s *JSONStore) LoadLatest() (*models.ElectionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest, err := s.getLatestFile()
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, nil
	}

	snapshot, err := readSnapshot(latest)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded election snapshot", "path", latest, "id", snapshot.ID, "blocks", len(snapshot.Chain.Blocks))
	return snapshot, nil
}

func (s *JSONStore) getLatestFile() (string, error) {
	paths, err := filepath.Glob(filepath.Join(s.basePath, electionFilePattern))
	if err != nil {
		return "", errors.Wrap(err, "failed to list election files")
	}

	var files snapshotFiles
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			slog.Warn("skipping unreadable election file", "path", path, "error", err)
			continue
		}
		files = append(files, snapshotFile{path: path, modTime: info.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return "", nil
	}

	sort.Sort(files)
	return files[len(files)-1].path, nil
}

func readSnapshot(path string) (*models.ElectionSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var snapshot models.ElectionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s", path)
	}
	return &snapshot, nil
}
