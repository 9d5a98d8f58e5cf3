// Package registry is a file-backed voter eligibility list. It knows who may
// vote; whether they already did is tracked by the chain.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	ErrInvalidVoter  = errors.New("invalid voter")
	ErrVoterNotFound = errors.New("voter not found")
)

// VoterDetails is one entry of the voters file.
type VoterDetails struct {
	VoterID     string    `json:"voter_id"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"is_active"` // inactive voters stay listed but are not eligible
	LastUpdated time.Time `json:"last_updated"`
}

type votersFile struct {
	Voters []*VoterDetails `json:"voters"`
}

type FileRegistry struct {
	path   string
	mu     sync.RWMutex
	voters map[string]*VoterDetails
}

// Open loads the voters file at path. A missing file is created with a small
// set of sample voters.
func Open(path string) (*FileRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create registry directory")
	}

	r := &FileRegistry{
		path:   path,
		voters: make(map[string]*VoterDetails),
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the in-memory list with the file's contents.
func (r *FileRegistry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r.createDefaultVotersFile()
		}
		return errors.Wrap(err, "failed to read voters file")
	}

	var file votersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrap(err, "failed to unmarshal voters file")
	}

	voters := make(map[string]*VoterDetails, len(file.Voters))
	for _, v := range file.Voters {
		if err := validateVoter(v); err != nil {
			return err
		}
		voters[v.VoterID] = v
	}
	r.voters = voters

	slog.Info("voter registry loaded", "path", r.path, "voters", len(voters))
	return nil
}

func (r *FileRegistry) createDefaultVotersFile() error {
	now := time.Now().UTC()
	file := votersFile{Voters: []*VoterDetails{
		{VoterID: "voter-001", Name: "Ona Petraitiene", IsActive: true, LastUpdated: now},
		{VoterID: "voter-002", Name: "Jonas Jonaitis", IsActive: true, LastUpdated: now},
		{VoterID: "voter-003", Name: "Rasa Kazlauskiene", IsActive: false, LastUpdated: now},
	}}

	for _, v := range file.Voters {
		r.voters[v.VoterID] = v
	}
	slog.Warn("voters file not found, wrote sample registry", "path", r.path)
	return r.save(file)
}

func validateVoter(v *VoterDetails) error {
	if v == nil || strings.TrimSpace(v.VoterID) == "" {
		return errors.Wrap(ErrInvalidVoter, "voter id is required")
	}
	if strings.TrimSpace(v.Name) == "" {
		return errors.Wrapf(ErrInvalidVoter, "name is required for voter %s", v.VoterID)
	}
	return nil
}

// IsEligible reports whether voterID is listed and active.
func (r *FileRegistry) IsEligible(voterID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voters[voterID]
	return ok && v.IsActive
}

func (r *FileRegistry) GetVoterDetails(voterID string) (*VoterDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voters[voterID]
	if !ok {
		return nil, errors.Wrap(ErrVoterNotFound, voterID)
	}
	voterCopy := *v
	return &voterCopy, nil
}

// Add lists a voter, replacing any existing entry, and writes the file.
func (r *FileRegistry) Add(v VoterDetails) error {
	if err := validateVoter(&v); err != nil {
		return err
	}
	v.LastUpdated = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.voters[v.VoterID] = &v
	file := votersFile{Voters: make([]*VoterDetails, 0, len(r.voters))}
	for _, voter := range r.voters {
		file.Voters = append(file.Voters, voter)
	}
	return r.save(file)
}

func (r *FileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.voters)
}

func (r *FileRegistry) save(file votersFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal voters")
	}

	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write voters file")
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to save voters file")
	}
	return nil
}
