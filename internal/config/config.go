package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Streaming StreamingConfig `yaml:"streaming"`
	Ordering  OrderingConfig  `yaml:"ordering"`
	Storage   StorageConfig   `yaml:"storage"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
}

type ServerConfig struct {
	HTTPPort       int `yaml:"http_port"`
	GRPCPort       int `yaml:"grpc_port"`
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

type ConsensusConfig struct {
	NodeID                string   `yaml:"node_id"`
	Peers                 []string `yaml:"peers"`
	ElectionTimeoutMinMs  int      `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs  int      `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs   int      `yaml:"heartbeat_interval_ms"`
	ProposeTimeoutSeconds int      `yaml:"propose_timeout_seconds"`
}

type BridgeConfig struct {
	DefaultTimeoutSeconds int64 `yaml:"default_timeout_seconds"`
	PendingQueueCapacity  int   `yaml:"pending_queue_capacity"`
}

type StreamingConfig struct {
	SubscriptionQueueCapacity int `yaml:"subscription_queue_capacity"`
	IdleTimeoutSeconds        int `yaml:"idle_timeout_seconds"`
}

type OrderingConfig struct {
	TrainingBufferCapacity    int     `yaml:"training_buffer_capacity"`
	ModelUpdateIntervalBlocks uint64  `yaml:"model_update_interval_blocks"`
	AcceptAccuracyThreshold   float64 `yaml:"accept_accuracy_threshold"`
	ConfidenceVarianceDivisor float64 `yaml:"confidence_variance_divisor"`
	LearnerWorkers            int     `yaml:"learner_workers"`
}

type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	PubSubTopic string `yaml:"pubsub_topic"`
}

type WebhookConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			GRPCPort:       9090,
			WorkerPoolSize: 50,
		},
		Consensus: ConsensusConfig{
			NodeID:                "node-1",
			ElectionTimeoutMinMs:  150,
			ElectionTimeoutMaxMs:  300,
			HeartbeatIntervalMs:   50,
			ProposeTimeoutSeconds: 5,
		},
		Bridge: BridgeConfig{
			DefaultTimeoutSeconds: 3600,
			PendingQueueCapacity:  10000,
		},
		Streaming: StreamingConfig{
			SubscriptionQueueCapacity: 10000,
			IdleTimeoutSeconds:        300,
		},
		Ordering: OrderingConfig{
			TrainingBufferCapacity:    100000,
			ModelUpdateIntervalBlocks: 1000,
			AcceptAccuracyThreshold:   0.9,
			ConfidenceVarianceDivisor: 1000,
			LearnerWorkers:            4,
		},
		Webhooks: WebhookConfig{
			Workers:       4,
			QueueCapacity: 1000,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects ranges that would break the consensus timers.
func (c *Config) Validate() error {
	if c.Consensus.ElectionTimeoutMinMs >= c.Consensus.ElectionTimeoutMaxMs {
		return fmt.Errorf("election timeout range invalid: [%d, %d]",
			c.Consensus.ElectionTimeoutMinMs, c.Consensus.ElectionTimeoutMaxMs)
	}
	if c.Consensus.HeartbeatIntervalMs >= c.Consensus.ElectionTimeoutMinMs {
		return fmt.Errorf("heartbeat interval %dms must be shorter than the minimum election timeout %dms",
			c.Consensus.HeartbeatIntervalMs, c.Consensus.ElectionTimeoutMinMs)
	}
	if c.Ordering.AcceptAccuracyThreshold < 0 || c.Ordering.AcceptAccuracyThreshold > 1 {
		return fmt.Errorf("accept accuracy threshold out of range: %f", c.Ordering.AcceptAccuracyThreshold)
	}
	return nil
}

func (c *ConsensusConfig) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond
}

func (c *ConsensusConfig) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond
}

func (c *ConsensusConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
