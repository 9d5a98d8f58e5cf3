// service/queue.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// AutoMiner mines the mempool in the background a short while after votes
// arrive. Triggers that land while a run is pending or in progress are
// coalesced into a single follow-up run.
type AutoMiner struct {
	election *Election
	delay    time.Duration
	trigger  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// EnableAutoMine attaches a started AutoMiner to the election. Every accepted
// vote triggers it, and End stops it before the final mining pass.
func (e *Election) EnableAutoMine(delay time.Duration) *AutoMiner {
	miner := NewAutoMiner(e, delay)
	miner.Start()

	e.mu.Lock()
	previous := e.autoMiner
	e.autoMiner = miner
	e.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	// votes restored from a snapshot have no vote left to trigger them
	if len(e.chain.Pending()) > 0 {
		miner.Trigger()
	}
	return miner
}

// DisableAutoMine stops and detaches the auto-miner, so a failing End no
// longer restarts it.
func (e *Election) DisableAutoMine() {
	e.mu.Lock()
	miner := e.autoMiner
	e.autoMiner = nil
	e.mu.Unlock()

	if miner != nil {
		miner.Stop()
	}
}

func NewAutoMiner(election *Election, delay time.Duration) *AutoMiner {
	return &AutoMiner{
		election: election,
		delay:    delay,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the worker. Starting a running miner is a no-op.
func (m *AutoMiner) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.worker(ctx)
}

// Trigger schedules a mining run without blocking.
func (m *AutoMiner) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels any in-flight run and waits for the worker to exit. The
// cancelled block is discarded and its votes stay pending.
func (m *AutoMiner) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *AutoMiner) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.trigger:
			if m.delay > 0 {
				timer := time.NewTimer(m.delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			block, err := m.election.Mine(ctx)
			switch {
			case err == nil && block != nil:
				slog.Debug("auto-mined block", "index", block.Index, "votes", len(block.Transactions))
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrInvalidPhase):
				slog.Debug("auto-mine skipped", "reason", err)
			default:
				slog.Warn("auto-mine failed", "error", err)
			}
		}
	}
}
