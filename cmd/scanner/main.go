package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exploitscan/pkg/artifact"
	"exploitscan/pkg/chain"
	"exploitscan/pkg/config"
	"exploitscan/pkg/engine"
	"exploitscan/pkg/harness"
	"exploitscan/pkg/logging"
	"exploitscan/pkg/proxy"
	"exploitscan/pkg/refine"
	"exploitscan/pkg/revenue"
	"exploitscan/pkg/snapshot"
	"exploitscan/pkg/source"
)

var (
	cfgPath       string
	blockNumber   uint64
	parallel      int
	outputPath    string
	candidatePath string
)

func main() {
	root := &cobra.Command{
		Use:   "scanner",
		Short: "Deterministic exploit validation for deployed EVM contracts",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "configuration file")

	scanCmd := &cobra.Command{
		Use:   "scan [address...]",
		Short: "Validate one or more contracts at a pinned block height",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runScan,
	}
	scanCmd.Flags().Uint64Var(&blockNumber, "block", 0, "block height to pin the run at (0 = current head)")
	scanCmd.Flags().IntVar(&parallel, "parallel", 0, "concurrent runs (0 = configured default)")
	scanCmd.Flags().StringVar(&outputPath, "output", "", "append artifacts to this JSON-lines file")
	scanCmd.Flags().StringVar(&candidatePath, "candidate", "", "pre-written exploit candidate source file")
	_ = scanCmd.MarkFlagRequired("candidate")
	root.AddCommand(scanCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	addrs := make([]common.Address, 0, len(args))
	for _, arg := range args {
		if !common.IsHexAddress(arg) {
			return fmt.Errorf("invalid address %q", arg)
		}
		addrs = append(addrs, common.HexToAddress(arg))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(cfg.Chain.RPCURL, cfg.Chain.RequestTimeout, cfg.Chain.MaxInflight, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	block := blockNumber
	if block == 0 {
		block, err = client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("resolve head block: %w", err)
		}
		logger.WithField("block", block).Info("pinned run at current head")
	}

	eng, sink, err := buildEngine(cfg, client, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	results := eng.ScanMany(ctx, addrs, block)

	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			logger.WithError(result.Err).WithField("address", result.Address.Hex()).Error("run failed")
			continue
		}
		logger.WithFields(logrus.Fields{
			"address":   result.Address.Hex(),
			"outcome":   result.Artifact.Outcome,
			"revisions": result.Artifact.Revisions,
		}).Info("run complete")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(results))
	}
	return nil
}

func buildEngine(cfg *config.Config, client *chain.Client, logger *logrus.Logger) (*engine.Engine, artifact.Sink, error) {
	multicall, err := chain.NewMulticall(common.HexToAddress(cfg.Chain.Multicall), client)
	if err != nil {
		return nil, nil, err
	}
	resolver, err := proxy.NewResolver(client, cfg.Engine.ProxyDepth, logger)
	if err != nil {
		return nil, nil, err
	}
	snapshots := snapshot.NewReader(multicall, logger)

	fundWei, ok := new(big.Int).SetString(cfg.Harness.FundWei, 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid harness.fund_wei %q", cfg.Harness.FundWei)
	}
	backend := harness.NewAnvilBackend(cfg.Harness.AnvilBin, client.RPCURL(), fundWei, cfg.Harness.GasLimit, cfg.Harness.StartupTimeout, logger)
	compiler := harness.NewCompiler(cfg.Harness.ForgeBin, cfg.Harness.SolcVersion, cfg.Harness.EntryPoint, logger)
	executor := harness.NewHarness(backend, compiler, cfg.Harness.EntryPoint, cfg.Harness.ExecTimeout, logger)

	controller := refine.NewController(refine.NewFileAuthor(candidatePath), executor, cfg.Refine.MaxIterations, logger)

	venues := make([]revenue.Venue, 0, len(cfg.Revenue.Venues))
	for _, venue := range cfg.Revenue.Venues {
		venues = append(venues, revenue.Venue{
			Name:    venue.Name,
			Factory: common.HexToAddress(venue.Factory),
			FeeBps:  int64(venue.FeeBps),
		})
	}
	intermediates := make([]common.Address, 0, len(cfg.Revenue.Intermediates))
	for _, mid := range cfg.Revenue.Intermediates {
		intermediates = append(intermediates, common.HexToAddress(mid))
	}
	settler := revenue.NewForkSettler(
		backend, venues, intermediates,
		common.HexToAddress(cfg.Revenue.ReferenceToken),
		cfg.Revenue.MaxPriceImpact,
		int64(cfg.Revenue.HopToleranceBps),
		logger,
	)

	src := source.NewEtherscanClient(cfg.Source.EtherscanURL, cfg.Source.APIKey, cfg.Source.Timeout, logger)

	sink, err := buildSinks(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	runParallel := cfg.Engine.Parallel
	if parallel > 0 {
		runParallel = parallel
	}
	eng := engine.New(resolver, snapshots, src, controller, settler, sink, runParallel, cfg.Engine.RunTimeout, logger)
	return eng, sink, nil
}

func buildSinks(cfg *config.Config, logger *logrus.Logger) (artifact.Sink, error) {
	var sinks []artifact.Sink

	if outputPath != "" {
		fileSink, err := artifact.NewFileSink(outputPath, "json")
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}

	if cfg.Sinks != nil {
		if fc := cfg.Sinks.File; fc != nil && fc.Path != "" {
			fileSink, err := artifact.NewFileSink(fc.Path, fc.Format)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, fileSink)
		}
		if pc := cfg.Sinks.Postgres; pc != nil && pc.DSN != "" {
			pgSink, err := artifact.NewPostgresSink(context.Background(), pc.DSN, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, pgSink)
		}
		if kc := cfg.Sinks.Kafka; kc != nil && len(kc.Brokers) > 0 {
			kafkaSink, err := artifact.NewKafkaSink(kc.Brokers, kc.Topic, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, kafkaSink)
		}
		if bc := cfg.Sinks.Bolt; bc != nil && bc.Path != "" {
			boltSink, err := artifact.NewBoltSink(bc.Path, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, boltSink)
		}
	}

	if len(sinks) == 0 {
		// Local embedded store so no run is ever silently lost.
		boltSink, err := artifact.NewBoltSink("artifacts.db", logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, boltSink)
	}

	return artifact.NewMultiSink(logger, sinks...), nil
}
