// File: api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/blockchain/ledger"
	"voting-simulator/models"
	"voting-simulator/registry"
	"voting-simulator/service"
)

// VoterRoll is the editable voter list behind the registration endpoints.
type VoterRoll interface {
	Add(v registry.VoterDetails) error
	GetVoterDetails(voterID string) (*registry.VoterDetails, error)
	Len() int
}

type Server struct {
	election   *service.Election
	hub        *ProgressHub
	voters     VoterRoll
	mux        *http.ServeMux

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

type ServerOption func(*Server)

// WithVoterRoll enables /api/register and /api/voters.
func WithVoterRoll(voters VoterRoll) ServerOption {
	return func(s *Server) { s.voters = voters }
}

type RegisterVoterRequest struct {
	VoterID string `json:"voter_id"`
	Name    string `json:"name"`
}

type VoterInfo struct {
	registry.VoterDetails
	HasVoted bool `json:"has_voted"`
}

type VotersResponse struct {
	Count int `json:"total_voters"`
}

type AddCandidateRequest struct {
	Name  string `json:"name"`
	Party string `json:"party"`
}

type CastVoteRequest struct {
	VoterID   string `json:"voter_id"`
	Candidate string `json:"candidate"`
}

type CastVoteResponse struct {
	Status      string             `json:"status"`
	Transaction models.Transaction `json:"transaction"`
	Pending     int                `json:"pending"`
}

type MineResponse struct {
	Mined bool          `json:"mined"`
	Block *models.Block `json:"block,omitempty"`
}

type BlockchainResponse struct {
	ElectionID string               `json:"election_id"`
	Difficulty int                  `json:"difficulty"`
	Blocks     []*models.Block      `json:"blocks"`
	Pending    []models.Transaction `json:"pending"`
	IsValid    bool                 `json:"is_valid"`
}

type BlockVerification struct {
	CalculatedHash  string `json:"calculated_hash"`
	StoredHash      string `json:"stored_hash"`
	HashMatch       bool   `json:"hash_match"`
	MeetsDifficulty bool   `json:"meets_difficulty"`
}

type BlockDetailsResponse struct {
	Block        *models.Block     `json:"block"`
	Verification BlockVerification `json:"verification"`
}

type ValidationResponse struct {
	IsValid bool                   `json:"is_valid"`
	Blocks  int                    `json:"blocks"`
	Error   *ledger.IntegrityError `json:"error,omitempty"`
	Message string                 `json:"message"`
}

func NewServer(election *service.Election, hub *ProgressHub, opts ...ServerOption) *Server {
	s := &Server{
		election: election,
		hub:      hub,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("/api/candidates", s.handleCandidates)
	s.mux.HandleFunc("/api/election/start", s.handleStartElection)
	s.mux.HandleFunc("/api/election/end", s.handleEndElection)
	s.mux.HandleFunc("/api/vote", s.handleCastVote)
	s.mux.HandleFunc("/api/mine", s.handleMine)
	s.mux.HandleFunc("/api/results", s.handleGetResults)
	s.mux.HandleFunc("/api/blockchain", s.handleGetBlockchain)
	s.mux.HandleFunc("/api/block", s.handleGetBlockDetails)
	s.mux.HandleFunc("/api/validate", s.handleValidateBlockchain)
	s.mux.HandleFunc("/api/status", s.handleGetStatus)
	s.mux.HandleFunc("/api/metrics", s.handleGetMetrics)
	if s.voters != nil {
		s.mux.HandleFunc("/api/register", s.handleRegisterVoter)
		s.mux.HandleFunc("/api/voters", s.handleGetVoters)
	}
	if hub != nil {
		s.mux.Handle("/api/progress", hub)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until Shutdown is called. It returns at once if Shutdown
// already ran.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	slog.Info("starting server", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.election.Candidates())
	case http.MethodPost:
		var req AddCandidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		candidate, err := s.election.RegisterCandidate(req.Name, req.Party)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, candidate)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRegisterVoter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterVoterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	voterID := strings.TrimSpace(req.VoterID)
	if err := s.voters.Add(registry.VoterDetails{VoterID: voterID, Name: strings.TrimSpace(req.Name), IsActive: true}); err != nil {
		writeError(w, err)
		return
	}
	details, err := s.voters.GetVoterDetails(voterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, details)
}

// handleGetVoters reports the size of the roll, or one voter when ?id= is set.
func (s *Server) handleGetVoters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	voterID := strings.TrimSpace(r.URL.Query().Get("id"))
	if voterID == "" {
		writeJSON(w, http.StatusOK, VotersResponse{Count: s.voters.Len()})
		return
	}
	details, err := s.voters.GetVoterDetails(voterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VoterInfo{
		VoterDetails: *details,
		HasVoted:     s.election.Chain().HasVoted(voterID),
	})
}

func (s *Server) handleStartElection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.election.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.election.Status())
}

func (s *Server) handleEndElection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.election.End(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.election.Tally())
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CastVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := s.election.CastVote(req.VoterID, req.Candidate)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CastVoteResponse{
		Status:      "pending",
		Transaction: tx,
		Pending:     len(s.election.Chain().Pending()),
	})
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	block, err := s.election.Mine(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MineResponse{Mined: block != nil, Block: block})
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.election.Tally())
}

func (s *Server) handleGetBlockchain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chain := s.election.Chain()
	writeJSON(w, http.StatusOK, BlockchainResponse{
		ElectionID: s.election.ID(),
		Difficulty: chain.Difficulty(),
		Blocks:     chain.Blocks(),
		Pending:    chain.Pending(),
		IsValid:    chain.IsValid(),
	})
}

func (s *Server) handleGetBlockDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("index"))
	if raw == "" {
		http.Error(w, "Block index is required", http.StatusBadRequest)
		return
	}
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "Block index must be a non-negative integer", http.StatusBadRequest)
		return
	}

	chain := s.election.Chain()
	block, ok := chain.Block(index)
	if !ok {
		http.Error(w, "Block not found", http.StatusNotFound)
		return
	}

	calculated := block.ComputeHash(chain.Hasher())
	writeJSON(w, http.StatusOK, BlockDetailsResponse{
		Block: block,
		Verification: BlockVerification{
			CalculatedHash: calculated,
			StoredHash:     block.Hash,
			HashMatch:      calculated == block.Hash,
			// genesis is never mined
			MeetsDifficulty: index == 0 || models.MeetsDifficulty(block.Hash, chain.Difficulty()),
		},
	})
}

func (s *Server) handleValidateBlockchain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ValidationResponse{IsValid: true, Blocks: s.election.Chain().Len(), Message: "Blockchain Integrity Check: VALID"}
	if err := s.election.Verify(); err != nil {
		resp.IsValid = false
		resp.Message = err.Error()
		var ierr *ledger.IntegrityError
		if errors.As(err, &ierr) {
			resp.Error = ierr
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.election.Status())
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.election.Metrics().GetMetrics())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, service.ErrInvalidCandidate),
		errors.Is(err, service.ErrUnknownCandidate),
		errors.Is(err, service.ErrNoCandidates),
		errors.Is(err, registry.ErrInvalidVoter):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrVoterNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrDuplicateVote),
		errors.Is(err, service.ErrCandidateExists),
		errors.Is(err, service.ErrInvalidPhase):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrMiningTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
