package service

import (
	"time"

	"voting-simulator/models"
)

type CandidateResult struct {
	Name  string `json:"name"`
	Party string `json:"party"`
	Votes int    `json:"votes"`
}

// VotingResults is a tally derived from mined votes only. Pending votes are
// reported but never counted.
type VotingResults struct {
	ElectionID   string            `json:"election_id"`
	Phase        Phase             `json:"phase"`
	Candidates   []CandidateResult `json:"candidates"`
	TotalVotes   int               `json:"total_votes"`
	IgnoredVotes int               `json:"ignored_votes"`
	PendingVotes int               `json:"pending_votes"`
	Blocks       int               `json:"blocks"`
}

// CountVotes tallies votes per candidate in registration order. Votes for a
// name that is not registered are counted as ignored.
func CountVotes(candidates []models.Candidate, votes []models.Transaction) ([]CandidateResult, int) {
	results := make([]CandidateResult, len(candidates))
	position := make(map[string]int, len(candidates))
	for i, c := range candidates {
		results[i] = CandidateResult{Name: c.Name, Party: c.Party}
		position[c.Name] = i
	}

	ignored := 0
	for _, v := range votes {
		i, ok := position[v.CandidateID]
		if !ok {
			ignored++
			continue
		}
		results[i].Votes++
	}
	return results, ignored
}

// Tally recomputes the results from the chain on every call.
func (e *Election) Tally() VotingResults {
	start := time.Now()
	votes := e.chain.AllVotes()
	candidates := e.Candidates()

	results, ignored := CountVotes(candidates, votes)
	e.metrics.RecordCounting(time.Since(start))

	return VotingResults{
		ElectionID:   e.id,
		Phase:        e.Phase(),
		Candidates:   results,
		TotalVotes:   len(votes) - ignored,
		IgnoredVotes: ignored,
		PendingVotes: len(e.chain.Pending()),
		Blocks:       e.chain.Len(),
	}
}
