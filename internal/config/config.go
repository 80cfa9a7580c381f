package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds settings for the live pipeline, merged from config file,
// environment and flags.
type Config struct {
	RPCURL       string
	NATSURL      string
	Chain        string
	SocketPath   string
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Journal      string
	LogLevel     string
}

// ReplayConfig holds settings for the replay command.
type ReplayConfig struct {
	RPCURL            string
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64
	MaxRetries        int
	RetryBackoff      time.Duration
	Pools             []string
	PoolsFile         string
	Checkpoint        string
	CheckpointEnabled bool
	SocketPath        string
	QueueSize         int
	WriteTimeout      time.Duration
	Journal           string
	LogLevel          string
}

func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("EXEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// The whitelist publisher's deployment convention sets these without
	// the prefix.
	_ = v.BindEnv("nats-url", "EXEX_NATS_URL", "NATS_URL")
	_ = v.BindEnv("chain", "EXEX_CHAIN", "CHAIN")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

// Load merges settings for the run command.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return Config{}, err
	}

	v.SetDefault("nats-url", "nats://localhost:4222")
	v.SetDefault("chain", "ethereum")
	v.SetDefault("socket", "/tmp/reth_exex_liquidity.sock")
	v.SetDefault("queue-size", 10_000)
	v.SetDefault("write-timeout", 5*time.Second)
	v.SetDefault("ping-interval", 30*time.Second)
	v.SetDefault("log-level", "info")

	return Config{
		RPCURL:       v.GetString("rpc"),
		NATSURL:      v.GetString("nats-url"),
		Chain:        v.GetString("chain"),
		SocketPath:   v.GetString("socket"),
		QueueSize:    v.GetInt("queue-size"),
		WriteTimeout: v.GetDuration("write-timeout"),
		PingInterval: v.GetDuration("ping-interval"),
		Journal:      v.GetString("journal"),
		LogLevel:     v.GetString("log-level"),
	}, nil
}

// LoadReplay merges settings for the replay command.
func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return ReplayConfig{}, err
	}

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("checkpoint", "./data/replay_checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("socket", "/tmp/reth_exex_liquidity.sock")
	v.SetDefault("queue-size", 10_000)
	v.SetDefault("write-timeout", 5*time.Second)
	v.SetDefault("log-level", "info")

	return ReplayConfig{
		RPCURL:            v.GetString("rpc"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		BatchSize:         v.GetUint64("batch-size"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		Pools:             v.GetStringSlice("pools"),
		PoolsFile:         v.GetString("pools-file"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		SocketPath:        v.GetString("socket"),
		QueueSize:         v.GetInt("queue-size"),
		WriteTimeout:      v.GetDuration("write-timeout"),
		Journal:           v.GetString("journal"),
		LogLevel:          v.GetString("log-level"),
	}, nil
}
