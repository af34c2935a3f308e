package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/bundlekit/oppool/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 1024, cfg.Pool.BlockChannelCapacity)
	require.Equal(t, uint64(10_000), cfg.Pool.MaxPoolSize)
	require.Equal(t, uint64(10), cfg.Pool.ReplacementFeeBump)
	require.True(t, cfg.Pool.TrackReputation)
	require.Equal(t, ":8545", cfg.RPC.HTTPAddress)
	require.Equal(t, time.Second, cfg.Chain.PollInterval)

	require.Len(t, cfg.EntryPoints, 2)
	require.Equal(t, common.HexToAddress(EntryPointV06Address), cfg.EntryPoints[0].Address)
	require.Equal(t, types.EntryPointV06, cfg.EntryPoints[0].Version)
	require.Equal(t, types.EntryPointV07, cfg.EntryPoints[1].Version)

	require.Equal(t, uint64(1), cfg.ChainIDBig().Uint64())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oppool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  block_channel_capacity: 64
chain:
  id: 11155111
  tracked_addresses:
    - "0x7777777777777777777777777777777777777777"
entry_points:
  - address: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
    version: v0.6
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.Pool.BlockChannelCapacity)
	require.Equal(t, uint64(11155111), cfg.Chain.ChainID)
	require.Len(t, cfg.Chain.TrackedAddresses, 1)
	require.Len(t, cfg.EntryPoints, 1)
	require.Equal(t, types.EntryPointV06, cfg.EntryPoints[0].Version)
}

func TestLoadRejectsBadValues(t *testing.T) {
	writeConfig := func(body string) string {
		path := filepath.Join(t.TempDir(), "oppool.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := Load(writeConfig("pool:\n  block_channel_capacity: 0\n"))
	require.Error(t, err)

	_, err = Load(writeConfig("entry_points:\n  - address: \"not-an-address\"\n    version: v0.6\n"))
	require.Error(t, err)

	_, err = Load(writeConfig("entry_points:\n  - address: \"0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789\"\n    version: v9\n"))
	require.Error(t, err)

	_, err = Load(writeConfig("chain:\n  tracked_addresses:\n    - \"zzz\"\n"))
	require.Error(t, err)
}
