package service

import (
	"sync"
	"time"

	"voting-simulator/models"
)

// MetricsCollector tracks counters for votes, mining and tallying
type MetricsCollector struct {
	mu sync.RWMutex

	votesAccepted int
	votesRejected map[string]int
	firstVoteTime time.Time
	lastVoteTime  time.Time

	blocksMined     int
	minedVotes      int
	nonceAttempts   uint64
	miningFailures  int
	miningTotalTime time.Duration
	lastBlockTime   time.Duration

	votingPhaseStarted   bool
	votingPhaseStartTime time.Time
	votingPhaseEndTime   time.Time
	votingPhaseDuration  time.Duration

	countingCount     int
	countingTotalTime time.Duration
}

type VotingMetrics struct {
	Accepted  int            `json:"accepted"`
	Rejected  map[string]int `json:"rejected"`
	StartTime time.Time      `json:"start_time,omitempty"`
	EndTime   time.Time      `json:"end_time,omitempty"`
}

type MiningMetrics struct {
	Blocks          int    `json:"blocks"`
	Votes           int    `json:"votes"`
	NonceAttempts   uint64 `json:"nonce_attempts"`
	Failures        int    `json:"failures"`
	ProcessingTime  int64  `json:"processing_time_ms"`
	LastBlockTimeMs int64  `json:"last_block_time_ms"`
}

type PhaseMetrics struct {
	StartTime time.Time `json:"phase_start_time,omitempty"`
	EndTime   time.Time `json:"phase_end_time,omitempty"`
	Duration  int64     `json:"phase_duration_ms,omitempty"`
}

type CountingMetrics struct {
	Count          int   `json:"count"`
	ProcessingTime int64 `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Voting      VotingMetrics   `json:"voting"`
	Mining      MiningMetrics   `json:"mining"`
	VotingPhase PhaseMetrics    `json:"voting_phase"`
	Counting    CountingMetrics `json:"counting"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{votesRejected: make(map[string]int)}
}

func (mc *MetricsCollector) StartVotingPhase() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.votingPhaseStarted = true
	mc.votingPhaseStartTime = time.Now()
}

func (mc *MetricsCollector) EndVotingPhase() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.votingPhaseStarted {
		mc.votingPhaseEndTime = time.Now()
		mc.votingPhaseDuration = mc.votingPhaseEndTime.Sub(mc.votingPhaseStartTime)
	}
}

func (mc *MetricsCollector) RecordVoteAccepted() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	if mc.votesAccepted == 0 {
		mc.firstVoteTime = now
	}
	mc.votesAccepted++
	mc.lastVoteTime = now
}

func (mc *MetricsCollector) RecordVoteRejected(reason string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.votesRejected[reason]++
}

// RecordBlockMined counts a sealed block. Nonces start at zero, so a block
// found at nonce n took n+1 attempts.
func (mc *MetricsCollector) RecordBlockMined(block *models.Block, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.blocksMined++
	mc.minedVotes += len(block.Transactions)
	mc.nonceAttempts += block.Nonce + 1
	mc.miningTotalTime += duration
	mc.lastBlockTime = duration
}

func (mc *MetricsCollector) RecordMiningFailure() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.miningFailures++
}

func (mc *MetricsCollector) RecordCounting(duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.countingCount++
	mc.countingTotalTime += duration
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	rejected := make(map[string]int, len(mc.votesRejected))
	for reason, n := range mc.votesRejected {
		rejected[reason] = n
	}

	return MetricsResponse{
		Voting: VotingMetrics{
			Accepted:  mc.votesAccepted,
			Rejected:  rejected,
			StartTime: mc.firstVoteTime,
			EndTime:   mc.lastVoteTime,
		},
		Mining: MiningMetrics{
			Blocks:          mc.blocksMined,
			Votes:           mc.minedVotes,
			NonceAttempts:   mc.nonceAttempts,
			Failures:        mc.miningFailures,
			ProcessingTime:  mc.miningTotalTime.Milliseconds(),
			LastBlockTimeMs: mc.lastBlockTime.Milliseconds(),
		},
		VotingPhase: PhaseMetrics{
			StartTime: mc.votingPhaseStartTime,
			EndTime:   mc.votingPhaseEndTime,
			Duration:  mc.votingPhaseDuration.Milliseconds(),
		},
		Counting: CountingMetrics{
			Count:          mc.countingCount,
			ProcessingTime: mc.countingTotalTime.Milliseconds(),
		},
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.votesAccepted = 0
	mc.votesRejected = make(map[string]int)
	mc.firstVoteTime = time.Time{}
	mc.lastVoteTime = time.Time{}

	mc.blocksMined = 0
	mc.minedVotes = 0
	mc.nonceAttempts = 0
	mc.miningFailures = 0
	mc.miningTotalTime = 0
	mc.lastBlockTime = 0

	mc.countingCount = 0
	mc.countingTotalTime = 0
}
