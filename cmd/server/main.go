// Command server runs a fabric node: the consensus engine, the bridge
// coordinator, streaming fan-out, the ordering optimizer with its online
// learner, validator registry, webhook dispatcher, and the HTTP facade.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainmesh/fabric/internal/api"
	"github.com/chainmesh/fabric/internal/bridge"
	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/consensus"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/infra"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/middleware"
	"github.com/chainmesh/fabric/internal/ordering"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/internal/streaming"
	"github.com/chainmesh/fabric/internal/transactions"
	"github.com/chainmesh/fabric/internal/validators"
	"github.com/chainmesh/fabric/internal/webhooks"
	"github.com/chainmesh/fabric/internal/websocket"
	"github.com/chainmesh/fabric/pb"
)

// nodeStore is the persistence surface one node needs from a single backend.
type nodeStore interface {
	storage.TransferRepository
	storage.HardStateStore
}

// rpcServices is the in-process RPC surface. Embedding deployments take
// these directly instead of dialing a port.
type rpcServices struct {
	Consensus    pb.ConsensusServiceServer
	Bridge       pb.BridgeServiceServer
	Ordering     pb.OrderingServiceServer
	Transactions pb.TransactionServiceServer
	Validators   pb.ValidatorServiceServer
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.Error("config load failed", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	prometheus.MustRegister(metrics.NewCollector(reg))
	bus := events.NewBus(reg)

	// ----- storage -----
	var (
		store      nodeStore
		modelStore storage.ModelStore
		txRepo     storage.TransactionRepository
	)
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := storage.NewPostgres(dsn)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store, modelStore, txRepo = pg, pg.ModelStore(), pg.TransactionRepository()
		logger.Info("storage: postgres")
	} else {
		mem := storage.NewMemory()
		store, modelStore, txRepo = mem, mem.ModelStore(), mem.TransactionRepository()
		logger.Info("storage: in-memory")
	}

	// ----- cross-process event mirrors -----
	if addr := cfg.Storage.RedisAddr; addr != "" {
		client, err := infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			logger.Warn("redis unavailable, running with in-memory bus only", "error", err)
		} else {
			bus.AddMirror(events.NewRedisMirror(client, ""))
		}
	}
	if topic := cfg.Storage.PubSubTopic; topic != "" {
		mirror, err := events.NewPubSubMirror(os.Getenv("GOOGLE_CLOUD_PROJECT"), topic)
		if err != nil {
			logger.Warn("pubsub mirror unavailable", "error", err)
		} else {
			bus.AddMirror(mirror)
			defer mirror.Close()
		}
	}

	// ----- ordering: buffer, learner, optimizer -----
	buffer := ordering.NewTrainingBuffer(cfg.Ordering.TrainingBufferCapacity, reg)
	learner := ordering.NewLearner(cfg.Ordering, buffer, modelStore, bus, reg)

	// ----- consensus -----
	transport := consensus.NewLocalTransport()
	node := consensus.NewNode(consensus.Config{
		NodeID:             cfg.Consensus.NodeID,
		Peers:              cfg.Consensus.Peers,
		ElectionTimeoutMin: cfg.Consensus.ElectionTimeoutMin(),
		ElectionTimeoutMax: cfg.Consensus.ElectionTimeoutMax(),
		HeartbeatInterval:  cfg.Consensus.HeartbeatInterval(),
		ProposeTimeout:     time.Duration(cfg.Consensus.ProposeTimeoutSeconds) * time.Second,
	}, transport.For(cfg.Consensus.NodeID), store, bus, reg, func(entry *pb.LogEntry) {
		// Each committed entry advances the learner's block clock.
		go learner.UpdateModelsIncrementally(ctx, entry.Index, nil)
	})
	transport.Register(node)
	if err := node.Start(ctx); err != nil {
		logger.Error("consensus start failed", "error", err)
		os.Exit(1)
	}
	defer node.Stop()

	// ----- bridge -----
	coordinator := bridge.NewCoordinator(cfg.Bridge, store, bus, reg)

	// ----- streaming fan-out -----
	streams := streaming.NewManager(cfg.Streaming, bus, reg)
	defer streams.Stop()

	// ----- validators -----
	validatorRegistry := validators.NewRegistry(bus, reg)

	services := rpcServices{
		Consensus:    consensus.NewService(node, bus),
		Bridge:       bridge.NewService(coordinator, bus),
		Ordering:     ordering.NewService(cfg.Ordering, buffer, reg),
		Transactions: transactions.NewService(txRepo, bus, streams, reg),
		Validators:   validators.NewService(validatorRegistry, streams),
	}
	logger.Info("rpc services wired",
		"consensus", services.Consensus != nil,
		"bridge", services.Bridge != nil,
		"ordering", services.Ordering != nil,
		"transactions", services.Transactions != nil,
		"validators", services.Validators != nil,
	)

	// ----- webhooks -----
	hookRegistry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(hookRegistry, cfg.Webhooks.Workers, cfg.Webhooks.QueueCapacity, reg)
	dispatcher.AttachBus(bus,
		events.TopicBridgeStatus,
		events.TopicTxStatus,
		events.TopicValidator,
		events.TopicModelInstalled,
	)
	defer dispatcher.Shutdown()

	// ----- websocket telemetry -----
	streamer := websocket.NewStreamer(reg)
	streamer.AttachBus(bus,
		events.TopicBridgeStatus,
		events.TopicConsensusStatus,
		events.TopicTxStatus,
		events.TopicValidator,
	)
	go streamer.Run()
	defer streamer.Stop()

	// ----- HTTP facade -----
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 600,
		BurstSize:         60,
	})
	defer limiter.Stop()

	server := api.NewServer(coordinator, node, validatorRegistry, hookRegistry, reg, limiter, streamer)
	logger.Info("fabric node up",
		"node_id", cfg.Consensus.NodeID,
		"http_port", cfg.Server.HTTPPort,
	)
	if err := server.Start(ctx, cfg.Server.HTTPPort); err != nil {
		logger.Error("http facade failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fabric node stopped")
}
