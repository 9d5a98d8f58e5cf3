package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"voting-simulator/anchor"
	"voting-simulator/api"
	"voting-simulator/blockchain/ledger"
	"voting-simulator/config"
	"voting-simulator/models"
	"voting-simulator/registry"
	"voting-simulator/service"
	"voting-simulator/storage"
)

const (
	mirrorSyncTimeout  = 30 * time.Second
	finalMiningTimeout = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("voting simulator stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.NewFlagSet(os.Args[0]), os.Args[1:])
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := storage.NewJSONStore(cfg.Storage.Dir)
	if err != nil {
		return err
	}

	hub := api.NewProgressHub()
	opts := []service.Option{
		service.WithSink(models.MultiSink{models.NewLogSink(logger), hub}),
		service.WithSnapshotStore(store),
	}

	var serverOpts []api.ServerOption
	if cfg.Registry.Path != "" {
		voters, err := registry.Open(cfg.Registry.Path)
		if err != nil {
			return err
		}
		slog.Info("voter registry enabled", "voters", voters.Len())
		opts = append(opts, service.WithRegistry(voters))
		serverOpts = append(serverOpts, api.WithVoterRoll(voters))
	}

	if cfg.Mongo.Host != "" {
		db, err := storage.InitMongoConn(cfg.Mongo.Host, cfg.Mongo.Database)
		if err != nil {
			return err
		}
		repo, err := storage.NewMongoBlocksRepo(db)
		if err != nil {
			return err
		}
		defer func() {
			slog.Info("disconnecting from mongo")
			if err := repo.Close(context.Background()); err != nil {
				slog.Error("failed to disconnect from mongo", "error", err)
			}
		}()
		opts = append(opts, service.WithBlockMirror(repo))
	}

	if cfg.Anchor.RPCHost != "" {
		anchorer, err := anchor.New(anchor.Config{
			RPCHost: cfg.Anchor.RPCHost,
			From:    cfg.Anchor.From,
			To:      cfg.Anchor.To,
		})
		if err != nil {
			return err
		}
		if head, err := anchorer.Ping(); err != nil {
			slog.Warn("anchor node unreachable, anchoring will be retried at election end", "error", err)
		} else {
			slog.Info("anchor node reachable", "block", head)
		}
		opts = append(opts, service.WithTipAnchor(anchorer))
	}

	election, err := openElection(cfg, store, opts)
	if err != nil {
		return err
	}

	if cfg.Mongo.Host != "" {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorSyncTimeout)
		if _, err := election.ResyncMirror(ctx); err != nil {
			slog.Warn("mirror resync failed, continuing with best-effort mirroring", "error", err)
		}
		cancel()
	}

	if cfg.Election.AutoMine {
		election.EnableAutoMine(cfg.Election.AutoMineDelay)
	}

	server := api.NewServer(election, hub, serverOpts...)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		election.DisableAutoMine()
		return err
	case sig := <-sigChan:
		slog.Info("received signal", "signal", sig.String())
	}

	// the process is exiting; a failed End must not restart background mining
	election.DisableAutoMine()
	if election.Phase() == service.PhaseActive {
		ctx, cancel := context.WithTimeout(context.Background(), finalMiningTimeout)
		if err := election.End(ctx); err != nil {
			slog.Error("failed to end election, pending votes kept in snapshot", "error", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shut down server")
	}
	slog.Info("shutdown complete")
	return nil
}

// openElection resumes the most recent unfinished election in the storage
// directory, or creates a new one.
func openElection(cfg *config.Config, store *storage.JSONStore, opts []service.Option) (*service.Election, error) {
	chainOpts := []ledger.Option{
		ledger.WithYieldEvery(cfg.Chain.YieldEvery),
		ledger.WithYieldDelay(cfg.Chain.YieldDelay),
		ledger.WithMaxIterations(cfg.Chain.MaxIterations),
		ledger.WithMaxBlockSize(cfg.Election.MaxBlockSize),
	}

	snapshot, err := store.LoadLatest()
	if err != nil {
		return nil, err
	}
	if snapshot != nil && snapshot.Phase != string(service.PhaseEnded) {
		election, err := service.RestoreElection(*snapshot, chainOpts, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to restore election %s", snapshot.ID)
		}
		return election, nil
	}
	if snapshot != nil {
		slog.Info("latest election already ended, starting a new one", "previous", snapshot.ID)
	}

	chain, err := ledger.New(cfg.Chain.Difficulty, append(chainOpts, ledger.WithHasher(cfg.Chain.Hasher))...)
	if err != nil {
		return nil, err
	}
	return service.NewElection(chain, opts...)
}
