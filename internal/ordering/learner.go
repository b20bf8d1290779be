package ordering

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/pb"
)

const (
	alphaMin     = 0.001
	alphaMax     = 0.1
	alphaMaxStep = 0.05 // at most 5% change between consecutive updates

	modelName = "tx-ordering"
)

// Learner retrains the ordering model every updateIntervalBlocks blocks.
// Training runs on a bounded worker pool; the triggering caller returns
// immediately. A snapshot is installed only when the batch accuracy clears
// the acceptance threshold.
type Learner struct {
	mu           sync.Mutex
	alpha        float64
	version      uint64
	lastAccuracy float64

	cfg    config.OrderingConfig
	buffer *TrainingBuffer
	store  storage.ModelStore
	bus    *events.Bus
	reg    *metrics.Registry
	logger *slog.Logger

	workers chan struct{}
	wg      sync.WaitGroup
}

func NewLearner(cfg config.OrderingConfig, buffer *TrainingBuffer, store storage.ModelStore, bus *events.Bus, reg *metrics.Registry) *Learner {
	if cfg.ModelUpdateIntervalBlocks == 0 {
		cfg.ModelUpdateIntervalBlocks = 1000
	}
	if cfg.AcceptAccuracyThreshold == 0 {
		cfg.AcceptAccuracyThreshold = 0.9
	}
	if cfg.LearnerWorkers <= 0 {
		cfg.LearnerWorkers = 4
	}
	return &Learner{
		alpha:   0.01,
		cfg:     cfg,
		buffer:  buffer,
		store:   store,
		bus:     bus,
		reg:     reg,
		logger:  slog.Default().With("component", "learner"),
		workers: make(chan struct{}, cfg.LearnerWorkers),
	}
}

// UpdateModelsIncrementally is a no-op unless blockNumber lands on the update
// interval. When it does, the batch is handed to the worker pool and the call
// returns without waiting.
func (l *Learner) UpdateModelsIncrementally(ctx context.Context, blockNumber uint64, completed []*core.Transaction) {
	if blockNumber == 0 || blockNumber%l.cfg.ModelUpdateIntervalBlocks != 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workers <- struct{}{}
		defer func() { <-l.workers }()
		l.train(ctx, blockNumber, completed)
	}()
}

// Wait blocks until every in-flight training batch has finished.
func (l *Learner) Wait() { l.wg.Wait() }

// Version is the currently installed model version.
func (l *Learner) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Alpha is the current learning rate.
func (l *Learner) Alpha() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alpha
}

func (l *Learner) train(ctx context.Context, blockNumber uint64, completed []*core.Transaction) {
	finalized, valid, malformed := 0, 0, 0
	for _, tx := range completed {
		if tx == nil || tx.TxID == "" {
			malformed++
			continue
		}
		valid++
		if tx.Finalized || tx.Status == pb.TransactionStatus_FINALIZED {
			finalized++
		}
	}
	if malformed > 0 {
		l.reg.Counter("ordering_training_errors").Add(int64(malformed))
	}
	if valid == 0 {
		l.logger.Warn("training batch had no valid transactions", "block", blockNumber)
		return
	}
	// Recent ordering quality folds in through the buffered data points.
	points := l.buffer.Drain(valid * 10)
	accuracy := float64(finalized) / float64(valid)
	if len(points) > 0 {
		sum := 0.0
		for _, p := range points {
			sum += clamp(p.QualityScore/100, 0, 1)
		}
		accuracy = (accuracy + sum/float64(len(points))) / 2
	}

	l.mu.Lock()
	l.adaptAlphaLocked(accuracy)
	l.lastAccuracy = accuracy
	install := accuracy >= l.cfg.AcceptAccuracyThreshold
	var snap *core.ModelSnapshot
	if install {
		l.version++
		weights, _ := json.Marshal(map[string]float64{"alpha": l.alpha, "accuracy": accuracy})
		snap = &core.ModelSnapshot{
			ModelName:   modelName,
			Version:     l.version,
			Weights:     weights,
			Accuracy:    accuracy,
			InstalledAt: time.Now(),
		}
	}
	l.mu.Unlock()

	if !install {
		l.reg.Counter("ordering_models_discarded").Inc()
		l.logger.Info("model discarded below accuracy threshold",
			"block", blockNumber, "accuracy", accuracy, "threshold", l.cfg.AcceptAccuracyThreshold)
		return
	}
	if err := l.store.Save(ctx, snap); err != nil {
		l.logger.Error("model snapshot persist failed", "version", snap.Version, "error", err)
	}
	l.reg.Gauge("ordering_model_version").Set(float64(snap.Version))
	l.reg.Counter("ordering_models_installed").Inc()
	l.bus.Emit(events.TopicModelInstalled, snap)
	l.logger.Info("model snapshot installed",
		"version", snap.Version, "accuracy", accuracy, "alpha", l.Alpha())
}

// adaptAlphaLocked nudges the learning rate toward improvement: up when the
// batch beat the previous accuracy, down otherwise, never by more than 5%
// and never outside [alphaMin, alphaMax].
func (l *Learner) adaptAlphaLocked(accuracy float64) {
	step := 1 + alphaMaxStep
	if accuracy < l.lastAccuracy {
		step = 1 - alphaMaxStep
	}
	l.alpha = clamp(l.alpha*step, alphaMin, alphaMax)
}
