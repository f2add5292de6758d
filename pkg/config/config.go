// Package config loads per-tier YAML configuration: bind addresses,
// heartbeat timing, retry budgets and meta-store endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/fnsched/pkg/types"
)

// RetryPolicy configures a bounded-retry backoff. The tier commands pass
// Backoff to the Instance Controller as its AffinityRetryBackoff (the
// delays between affinity retries and between root RESOURCE_NOT_ENOUGH
// retries); MaxAttempts is loaded but no component reads it.
type RetryPolicy struct {
	MaxAttempts int             `yaml:"maxAttempts"`
	Backoff     []time.Duration `yaml:"backoff"`
}

// Config is the top-level configuration for one tier process.
type Config struct {
	Tier types.Tier `yaml:"tier"`

	// NodeName identifies this process as a tierlink endpoint: the
	// underlayer/proxy name a local tier registers under, or the domain
	// name a domain tier registers under. The global tier always
	// registers as GlobalName.
	NodeName string `yaml:"nodeName"`
	// DomainName is the tierlink endpoint name a local tier forwards to;
	// unused at the domain and global tiers.
	DomainName string `yaml:"domainName"`
	// GlobalName is the tierlink endpoint name the global tier registers
	// under and every domain escalates unsatisfiable requests to.
	GlobalName string `yaml:"globalName"`

	BusinessID string `yaml:"businessID"`
	Prefix     string `yaml:"prefix"`
	AID        string `yaml:"aid"`
	AK         string `yaml:"ak"`

	BindAddress string `yaml:"bindAddress"`
	DataDir     string `yaml:"dataDir"`

	MetaStoreEndpoints []string `yaml:"metaStoreEndpoints"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatMaxMisses int          `yaml:"heartbeatMaxMisses"`

	ScheduleRetry RetryPolicy `yaml:"scheduleRetry"`
	LeaseTTL      time.Duration `yaml:"leaseTTL"`

	// LocalMembers seeds a domain tier's underlayer topology directly
	// (UpdateUnderlayerTopo) for a standalone domain not fed by a
	// global tier's Raft-committed topology pushes.
	LocalMembers []string `yaml:"localMembers"`
	// IsRootDomain marks a domain whose parent is the cluster root
	// rather than the global tier (the isRoot argument of underlayer.New).
	IsRootDomain bool `yaml:"isRootDomain"`

	// Raft-only fields, used by the global tier (pkg/globalcoord).
	RaftBindAddress string   `yaml:"raftBindAddress"`
	RaftBootstrap   bool     `yaml:"raftBootstrap"`
	RaftPeers       []string `yaml:"raftPeers"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns a Config with the defaults spec.md assumes where a tier
// config omits a field: a 3s heartbeat interval, 3 missed heartbeats before
// a underlayer/proxy is considered lost, and a 3-attempt bounded retry with
// exponential backoff.
func Default(tier types.Tier) Config {
	return Config{
		Tier:               tier,
		GlobalName:         "global",
		BusinessID:         "default",
		Prefix:             "/fnsched",
		BindAddress:        "0.0.0.0:7420",
		DataDir:            "./data",
		HeartbeatInterval:  3 * time.Second,
		HeartbeatMaxMisses: 3,
		ScheduleRetry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
		},
		LeaseTTL:  10 * time.Second,
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads and parses a YAML config file, applying Default(tier) values
// for any field the file leaves zero.
func Load(path string, tier types.Tier) (Config, error) {
	cfg := Default(tier)

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
