package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/bundlekit/oppool/types"
)

// Default addresses for the canonical EntryPoint deployments.
const (
	EntryPointV06Address = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
	EntryPointV07Address = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
)

// EntryPointConfig names one EntryPoint the pool serves.
type EntryPointConfig struct {
	Address common.Address
	Version types.EntryPointVersion
}

// Config is the full daemon configuration.
type Config struct {
	Pool    PoolConfig
	RPC     RPCConfig
	Chain   ChainConfig
	Metrics MetricsConfig

	EntryPoints []EntryPointConfig
}

// PoolConfig tunes the pool core and the per-EntryPoint mempools.
type PoolConfig struct {
	// BlockChannelCapacity is the per-subscriber new-head ring size.
	BlockChannelCapacity int
	MaxPoolSize          uint64
	MaxOpsPerSender      uint64
	ReplacementFeeBump   uint64
	TrackPaymaster       bool
	TrackReputation      bool
}

type RPCConfig struct {
	HTTPAddress   string
	WSAddress     string
	HealthAddress string
	HTTPTimeout   time.Duration
}

type ChainConfig struct {
	NodeURL      string
	ChainID      uint64
	PollInterval time.Duration
	// TrackedAddresses are reported in NewHead address updates.
	TrackedAddresses []common.Address
}

type MetricsConfig struct {
	Enabled bool
	Address string
}

// SetDefaults registers every key with its default so a bare config file is
// valid.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pool.block_channel_capacity", 1024)
	v.SetDefault("pool.max_pool_size", 10_000)
	v.SetDefault("pool.max_ops_per_sender", 4)
	v.SetDefault("pool.replacement_fee_bump_percent", 10)
	v.SetDefault("pool.track_paymaster_balances", true)
	v.SetDefault("pool.track_reputation", true)

	v.SetDefault("rpc.http_address", ":8545")
	v.SetDefault("rpc.ws_address", ":8546")
	v.SetDefault("rpc.health_address", ":50051")
	v.SetDefault("rpc.http_timeout", "30s")

	v.SetDefault("chain.node_url", "ws://localhost:8546")
	v.SetDefault("chain.id", 1)
	v.SetDefault("chain.poll_interval", "1s")
	v.SetDefault("chain.tracked_addresses", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":6060")

	v.SetDefault("entry_points", []map[string]any{
		{"address": EntryPointV06Address, "version": "v0.6"},
		{"address": EntryPointV07Address, "version": "v0.7"},
	})
}

// Load reads the optional config file at path and environment overrides
// (OPPOOL_ prefixed) into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("oppool")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper materializes a Config from an already-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Pool: PoolConfig{
			BlockChannelCapacity: v.GetInt("pool.block_channel_capacity"),
			MaxPoolSize:          v.GetUint64("pool.max_pool_size"),
			MaxOpsPerSender:      v.GetUint64("pool.max_ops_per_sender"),
			ReplacementFeeBump:   v.GetUint64("pool.replacement_fee_bump_percent"),
			TrackPaymaster:       v.GetBool("pool.track_paymaster_balances"),
			TrackReputation:      v.GetBool("pool.track_reputation"),
		},
		RPC: RPCConfig{
			HTTPAddress:   v.GetString("rpc.http_address"),
			WSAddress:     v.GetString("rpc.ws_address"),
			HealthAddress: v.GetString("rpc.health_address"),
			HTTPTimeout:   v.GetDuration("rpc.http_timeout"),
		},
		Chain: ChainConfig{
			NodeURL:      v.GetString("chain.node_url"),
			ChainID:      v.GetUint64("chain.id"),
			PollInterval: v.GetDuration("chain.poll_interval"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Address: v.GetString("metrics.address"),
		},
	}

	if cfg.Pool.BlockChannelCapacity < 1 {
		return nil, fmt.Errorf("pool.block_channel_capacity must be >= 1")
	}

	for _, raw := range v.GetStringSlice("chain.tracked_addresses") {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid tracked address %q", raw)
		}
		cfg.Chain.TrackedAddresses = append(cfg.Chain.TrackedAddresses, common.HexToAddress(raw))
	}

	var rawEntryPoints []any
	switch val := v.Get("entry_points").(type) {
	case []any:
		rawEntryPoints = val
	case []map[string]any:
		for _, m := range val {
			rawEntryPoints = append(rawEntryPoints, m)
		}
	default:
		return nil, fmt.Errorf("entry_points must be a list")
	}
	for _, raw := range rawEntryPoints {
		entry := cast.ToStringMapString(raw)
		addr := entry["address"]
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid entry point address %q", addr)
		}
		version, err := types.ParseEntryPointVersion(entry["version"])
		if err != nil {
			return nil, err
		}
		cfg.EntryPoints = append(cfg.EntryPoints, EntryPointConfig{
			Address: common.HexToAddress(addr),
			Version: version,
		})
	}
	if len(cfg.EntryPoints) == 0 {
		return nil, fmt.Errorf("at least one entry point must be configured")
	}
	return cfg, nil
}

// ChainIDBig returns the chain id as the big.Int hashing needs.
func (c *Config) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.Chain.ChainID)
}
