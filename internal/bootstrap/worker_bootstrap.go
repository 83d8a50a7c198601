package bootstrap

import (
	"context"
	"sync"
	"time"

	"mailworker/adapter/in/worker"
	"mailworker/adapter/out/messaging"
	"mailworker/config"
	"mailworker/pkg/logger"
)

// Worker bundles the job consumer and the background loops that run in
// worker mode: heartbeat, cron maintenance, IDLE watcher, NOTIFY listener.
type Worker struct {
	cfg         *config.Config
	deps        *Dependencies
	consumer    *messaging.Consumer
	heartbeat   *messaging.HeartbeatKeeper
	maintenance *worker.Maintenance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker wires the job processing side of the service.
func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	processor := worker.NewMailProcessor(deps.Connectors, deps.Gmail, deps.Imap, deps.Send, deps.Scans)
	handler := worker.NewHandler(processor, nil)

	consumer := messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                messaging.ConsumerGroup,
		Consumer:             cfg.WorkerID,
		Streams:              messaging.AllStreams,
		Handler:              handler,
		BatchSize:            cfg.ConsumerBatchSize,
		BlockDuration:        time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
		MaxRetries:           cfg.ConsumerMaxRetries,
	})

	heartbeat := messaging.NewHeartbeatKeeper(deps.Redis, cfg.WorkerHeartbeatTTL)
	maintenance := worker.NewMaintenance(cfg, deps.States, deps.Connectors, deps.Bus, deps.Producer, deps.Gmail)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:         cfg,
		deps:        deps,
		consumer:    consumer,
		heartbeat:   heartbeat,
		maintenance: maintenance,
		ctx:         ctx,
		cancel:      cancel,
	}
	return w, cleanup, nil
}

// Start launches every loop and blocks on the job consumer.
func (w *Worker) Start() {
	logger.Info("Worker starting (id=%s)", w.cfg.WorkerID)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeat.Run(w.ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deps.Bus.RunListener(w.ctx)
	}()

	w.maintenance.Start()

	if w.cfg.UseIdle {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.deps.Watcher.Run(w.ctx)
		}()
	} else {
		logger.Info("IDLE watcher disabled")
	}

	if err := w.consumer.Run(w.ctx); err != nil && w.ctx.Err() == nil {
		logger.WithError(err).Error("Job consumer exited")
	}
}

// Stop cancels every loop and waits for them to drain.
func (w *Worker) Stop() {
	logger.Info("Worker stopping...")
	w.cancel()
	w.maintenance.Stop()
	w.wg.Wait()
	logger.Info("Worker stopped")
}
