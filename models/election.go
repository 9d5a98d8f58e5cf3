package models

import "time"

type Candidate struct {
	Name  string `json:"name"`
	Party string `json:"party"`
}

// ChainSnapshot is the persisted form of a ledger.
type ChainSnapshot struct {
	Difficulty int           `json:"difficulty"`
	Hasher     string        `json:"hasher"`
	Blocks     []*Block      `json:"blocks"`
	Pending    []Transaction `json:"pending"`
}

// ElectionSnapshot is what the snapshot store writes after every session change.
type ElectionSnapshot struct {
	ID         string        `json:"id"`
	Phase      string        `json:"phase"`
	Candidates []Candidate   `json:"candidates"`
	Chain      ChainSnapshot `json:"chain"`
	Anchor     string        `json:"anchor,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
