package models

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

type EventKind string

const (
	EventGenesis         EventKind = "genesis"
	EventVoteAdded       EventKind = "vote_added"
	EventNothingToMine   EventKind = "nothing_to_mine"
	EventMiningStarted   EventKind = "mining_started"
	EventMiningProgress  EventKind = "mining_progress"
	EventBlockMined      EventKind = "block_mined"
	EventBlockAppended   EventKind = "block_appended"
	EventMiningAbandoned EventKind = "mining_abandoned"
	EventChainValid      EventKind = "chain_valid"
	EventChainInvalid    EventKind = "chain_invalid"
	EventElection        EventKind = "election"
)

// Event is a human-readable progress notification. It never carries state
// the chain depends on.
type Event struct {
	Kind    EventKind `json:"kind"`
	Index   uint64    `json:"index"`
	Nonce   uint64    `json:"nonce,omitempty"`
	Hash    string    `json:"hash,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type ProgressSink interface {
	Notify(Event)
}

// SinkFunc adapts a plain function to ProgressSink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// MultiSink fans an event out to every non-nil sink.
type MultiSink []ProgressSink

func (m MultiSink) Notify(e Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(e)
		}
	}
}

// Notify delivers e to sink, stamping the time. A nil sink is a no-op.
func Notify(sink ProgressSink, e Event) {
	if sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	sink.Notify(e)
}

type logSink struct {
	logger *slog.Logger
}

// NewLogSink writes progress events to logger. Mining progress ticks go out
// at debug level so a running miner does not flood the log.
func NewLogSink(logger *slog.Logger) ProgressSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

func (s *logSink) Notify(e Event) {
	level := slog.LevelInfo
	switch e.Kind {
	case EventMiningProgress:
		level = slog.LevelDebug
	case EventChainInvalid, EventMiningAbandoned:
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, e.Message, "kind", string(e.Kind), "index", e.Index, "nonce", e.Nonce)
}
