package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bundlekit/oppool/chain"
	"github.com/bundlekit/oppool/config"
	"github.com/bundlekit/oppool/mempool"
	"github.com/bundlekit/oppool/metrics"
	"github.com/bundlekit/oppool/pool"
	"github.com/bundlekit/oppool/server"
	"github.com/bundlekit/oppool/types"
)

const flagConfig = "config"

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the user operation pool server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString(flagConfig)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runPool(cmd.Context(), cfg)
		},
	}
}

func runPool(ctx context.Context, cfg *config.Config) error {
	logger := log.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ethclient.DialContext(ctx, cfg.Chain.NodeURL)
	if err != nil {
		logger.Error("failed to connect to node", "url", cfg.Chain.NodeURL, "error", err)
		return err
	}
	defer client.Close()

	reader := chain.NewEntryPointReader(client, logger)

	entryPoints := make([]common.Address, 0, len(cfg.EntryPoints))
	versions := make(map[common.Address]types.EntryPointVersion, len(cfg.EntryPoints))
	mempools := make(map[common.Address]pool.Mempool, len(cfg.EntryPoints))
	for _, ep := range cfg.EntryPoints {
		entryPoints = append(entryPoints, ep.Address)
		versions[ep.Address] = ep.Version

		poolCfg := mempool.DefaultConfig(ep.Address, ep.Version, cfg.ChainIDBig())
		poolCfg.MaxPoolSize = cfg.Pool.MaxPoolSize
		poolCfg.MaxOpsPerSender = cfg.Pool.MaxOpsPerSender
		poolCfg.ReplacementFeeBumpPercent = cfg.Pool.ReplacementFeeBump
		poolCfg.TrackPaymasterBalances = cfg.Pool.TrackPaymaster
		poolCfg.TrackReputation = cfg.Pool.TrackReputation
		mempools[ep.Address] = mempool.New(poolCfg, logger, reader, reader)
	}

	subscriber := chain.NewHeadSubscriber(client, logger, entryPoints, cfg.Chain.TrackedAddresses, cfg.Chain.PollInterval)
	builder := pool.NewBuilder(logger, cfg.Pool.BlockChannelCapacity)
	handle := builder.Handle()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return subscriber.Run(ctx)
	})
	g.Go(func() error {
		return builder.Run(ctx, mempools, subscriber.Updates())
	})

	apis := []server.API{
		{Namespace: "eth", Service: server.NewEthAPI(logger, handle, versions, (*hexutil.Big)(cfg.ChainIDBig()))},
		{Namespace: "debug", Service: server.NewDebugAPI(logger, handle)},
		{Namespace: "admin", Service: server.NewAdminAPI(logger, handle)},
	}
	if err := server.StartJSONRPC(ctx, logger, g, cfg.RPC, apis); err != nil {
		return err
	}
	if err := server.StartHealthServer(ctx, logger, g, cfg.RPC.HealthAddress, handle); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		metrics.StartMetricsServer(ctx, logger, g, cfg.Metrics.Address)
	}

	logger.Info("oppoold started",
		"entry_points", len(mempools),
		"http", cfg.RPC.HTTPAddress,
		"ws", cfg.RPC.WSAddress,
	)
	return g.Wait()
}
