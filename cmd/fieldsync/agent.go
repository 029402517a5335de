package main

import (
	"fmt"

	"github.com/brightpath/fieldsync/internal/access"
	"github.com/brightpath/fieldsync/internal/config"
	"github.com/brightpath/fieldsync/internal/db"
	"github.com/brightpath/fieldsync/internal/logging"
	"github.com/brightpath/fieldsync/internal/netmon"
	"github.com/brightpath/fieldsync/internal/repository"
	syncpkg "github.com/brightpath/fieldsync/internal/sync"
	"github.com/brightpath/fieldsync/internal/sync/conflict"
	"github.com/brightpath/fieldsync/internal/sync/notices"
	"github.com/brightpath/fieldsync/internal/sync/queue"
	"github.com/brightpath/fieldsync/internal/sync/remote"
	"github.com/brightpath/fieldsync/internal/sync/scheduler"
)

// agent holds the wired components for one process.
type agent struct {
	cfg        *config.Config
	db         *db.DB
	queue      *queue.Queue
	notices    *notices.Store
	client     *remote.Client
	network    *netmon.Monitor
	reconciler *syncpkg.Reconciler
	scheduler  *scheduler.Scheduler
	store      *repository.Store
	actor      repository.Actor
}

// openAgent opens the database and wires the queue, notices, remote client,
// reconciler and scheduler. Mutations left in flight by a previous process
// are returned to the queue.
func openAgent(cfg *config.Config) (*agent, error) {
	strategy, err := conflict.ParseStrategy(cfg.Conflict.Strategy)
	if err != nil {
		return nil, err
	}
	role, err := access.ParseRole(cfg.User.Role)
	if err != nil {
		return nil, err
	}

	d, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(d.DB, queue.Options{
		MaxSize: cfg.Queue.MaxSize,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BackoffBase: cfg.Sync.BackoffBase,
			BackoffMax:  cfg.Sync.BackoffMax,
		},
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	recovered, err := q.Recover()
	if err != nil {
		d.Close()
		return nil, err
	}
	if recovered > 0 {
		logging.Info("Recovered in-flight mutations", map[string]interface{}{"count": recovered})
	}

	a := &agent{
		cfg:     cfg,
		db:      d,
		queue:   q,
		notices: notices.New(d.DB, q),
		client: remote.New(remote.Options{
			BaseURL:   cfg.API.BaseURL,
			Timeout:   cfg.API.Timeout,
			Token:     cfg.API.Token,
			UserAgent: "fieldsync/" + Version,
		}),
		network: netmon.New(true),
		actor:   repository.Actor{UserID: cfg.User.ID, Role: role},
	}
	a.reconciler = syncpkg.NewReconciler(q, a.client, conflict.NewResolver(strategy), a.notices, a.network,
		syncpkg.Options{BatchSize: cfg.Sync.BatchSize, Parallelism: cfg.Sync.Parallelism})

	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.SyncInterval = cfg.Sync.Interval
	a.scheduler = scheduler.NewScheduler(a.reconciler, a.network, q, schedCfg)
	a.store = repository.NewStore(q, a.scheduler)
	return a, nil
}

// prober returns the configured reachability prober, or nil.
func (a *agent) prober() netmon.Prober {
	if a.cfg.Netmon.ProbeURL == "" {
		return nil
	}
	return &netmon.HTTPProber{URL: a.cfg.Netmon.ProbeURL}
}

func (a *agent) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
