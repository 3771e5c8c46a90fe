// Package config assembles every role's tunables into one layered
// configuration: hard-coded defaults, then an optional YAML file, then
// CHORDREDUCE_-prefixed environment overrides — the same three-layer shape
// distributed-kvstore's cmd/server flags start from defaults and let the
// operator override, generalised here to a file since a ring node has too
// many tunables to pass comfortably as flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/follower"
	"chordreduce/internal/master"
	"chordreduce/internal/naming"
	"chordreduce/internal/rpcutil"

	"gopkg.in/yaml.v3"
)

// Config is every role's Config struct flattened into one document, plus the
// process-level settings (listen address, advertised endpoint, bootstrap
// peer) main needs to wire a node together.
type Config struct {
	Self      string `yaml:"self"`       // advertised endpoint, host:port
	Listen    string `yaml:"listen"`     // bind address, defaults to Self
	Bootstrap string `yaml:"bootstrap"`  // existing ring member to join through, empty for a first node
	DataDir   string `yaml:"data_dir"`

	Chord    ChordConfig    `yaml:"chord"`
	Naming   NamingConfig   `yaml:"naming"`
	Master   MasterConfig   `yaml:"master"`
	Follower FollowerConfig `yaml:"follower"`
}

type ChordConfig struct {
	ReplicationSize int           `yaml:"replication_size"`
	FingerTableSize int           `yaml:"finger_table_size"`
	StabilizeEvery  time.Duration `yaml:"stabilize_every"`
	RecheckEvery    time.Duration `yaml:"recheck_every"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RequestRetries  int           `yaml:"request_retries"`
}

type NamingConfig struct {
	ContestEvery   time.Duration `yaml:"contest_every"`
	BackupEvery    time.Duration `yaml:"backup_every"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRetries int           `yaml:"request_retries"`
}

type MasterConfig struct {
	DispatchEvery  time.Duration `yaml:"dispatch_every"`
	BackupEvery    time.Duration `yaml:"backup_every"`
	TaskMaxAge     time.Duration `yaml:"task_max_age"`
	TaskRetryCap   int           `yaml:"task_retry_cap"`
	ItemsPerChunk  int           `yaml:"items_per_chunk"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRetries int           `yaml:"request_retries"`
}

type FollowerConfig struct {
	RetryCap       int           `yaml:"retry_cap"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRetries int           `yaml:"request_retries"`
}

// Default returns the configuration every constant in configs.py maps onto:
// 500ms/5-retry request policy, 80-entry finger table, 5-way replication,
// 2s master backup cadence, 300s task timeout, 3 follower retries.
func Default() Config {
	return Config{
		DataDir: "/tmp/chordreduce",
		Chord: ChordConfig{
			ReplicationSize: 5,
			FingerTableSize: 80,
			StabilizeEvery:  time.Second,
			RecheckEvery:    time.Second,
			RequestTimeout:  500 * time.Millisecond,
			RequestRetries:  5,
		},
		Naming: NamingConfig{
			ContestEvery:   10 * time.Millisecond,
			BackupEvery:    5 * time.Second,
			RequestTimeout: 500 * time.Millisecond,
			RequestRetries: 5,
		},
		Master: MasterConfig{
			DispatchEvery:  500 * time.Millisecond,
			BackupEvery:    2 * time.Second,
			TaskMaxAge:     300 * time.Second,
			TaskRetryCap:   3,
			ItemsPerChunk:  16,
			RequestTimeout: 500 * time.Millisecond,
			RequestRetries: 5,
		},
		Follower: FollowerConfig{
			RetryCap:       3,
			RequestTimeout: 500 * time.Millisecond,
			RequestRetries: 5,
		},
	}
}

// Load starts from Default, merges in path if non-empty, then applies
// environment overrides, in that order — each layer only overriding what
// the previous layer actually set.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.Listen == "" {
		cfg.Listen = cfg.Self
	}
	return cfg, nil
}

// applyEnv overrides a fixed set of settings from CHORDREDUCE_-prefixed
// environment variables: SELF, LISTEN, BOOTSTRAP, DATA_DIR,
// MASTER_TASK_RETRY_CAP, FOLLOWER_RETRY_CAP, ITEMS_PER_CHUNK and
// CHORD_REPLICATION_SIZE. No other field has an environment override.
func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("SELF"); ok {
		cfg.Self = v
	}
	if v, ok := lookupEnv("LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := lookupEnv("BOOTSTRAP"); ok {
		cfg.Bootstrap = v
	}
	if v, ok := lookupEnv("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnvInt("MASTER_TASK_RETRY_CAP"); ok {
		cfg.Master.TaskRetryCap = v
	}
	if v, ok := lookupEnvInt("FOLLOWER_RETRY_CAP"); ok {
		cfg.Follower.RetryCap = v
	}
	if v, ok := lookupEnvInt("ITEMS_PER_CHUNK"); ok {
		cfg.Master.ItemsPerChunk = v
	}
	if v, ok := lookupEnvInt("CHORD_REPLICATION_SIZE"); ok {
		cfg.Chord.ReplicationSize = v
	}
}

func lookupEnv(suffix string) (string, bool) {
	v, ok := os.LookupEnv("CHORDREDUCE_" + strings.ToUpper(suffix))
	return v, ok && v != ""
}

func lookupEnvInt(suffix string) (int, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ToChordConfig translates the flattened config into chord.Config.
func (c Config) ToChordConfig() chord.Config {
	return chord.Config{
		ReplicationSize: c.Chord.ReplicationSize,
		FingerTableSize: c.Chord.FingerTableSize,
		StabilizeEvery:  c.Chord.StabilizeEvery,
		RecheckEvery:    c.Chord.RecheckEvery,
		RequestPolicy:   rpcutil.Policy{Timeout: c.Chord.RequestTimeout, MaxRetries: c.Chord.RequestRetries},
	}
}

// ToNamingConfig translates the flattened config into naming.Config.
func (c Config) ToNamingConfig() naming.Config {
	return naming.Config{
		ContestEvery: c.Naming.ContestEvery,
		BackupEvery:  c.Naming.BackupEvery,
		Policy:       rpcutil.Policy{Timeout: c.Naming.RequestTimeout, MaxRetries: c.Naming.RequestRetries},
	}
}

// ToMasterConfig translates the flattened config into master.Config.
func (c Config) ToMasterConfig() master.Config {
	return master.Config{
		DispatchEvery: c.Master.DispatchEvery,
		BackupEvery:   c.Master.BackupEvery,
		TaskMaxAge:    c.Master.TaskMaxAge,
		TaskRetryCap:  c.Master.TaskRetryCap,
		ItemsPerChunk: c.Master.ItemsPerChunk,
		RequestPolicy: rpcutil.Policy{Timeout: c.Master.RequestTimeout, MaxRetries: c.Master.RequestRetries},
	}
}

// ToFollowerConfig translates the flattened config into follower.Config.
func (c Config) ToFollowerConfig() follower.Config {
	return follower.Config{
		RetryCap:      c.Follower.RetryCap,
		RequestPolicy: rpcutil.Policy{Timeout: c.Follower.RequestTimeout, MaxRetries: c.Follower.RequestRetries},
	}
}
