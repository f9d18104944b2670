package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"exploitscan/pkg/logging"
)

// Config is the full scanner configuration, loaded from YAML with environment
// overrides (EXPLOITSCAN_ prefix).
type Config struct {
	Chain    *ChainConfig    `mapstructure:"chain"`
	Harness  *HarnessConfig  `mapstructure:"harness"`
	Refine   *RefineConfig   `mapstructure:"refine"`
	Revenue  *RevenueConfig  `mapstructure:"revenue"`
	Source   *SourceConfig   `mapstructure:"source"`
	Sinks    *SinksConfig    `mapstructure:"sinks"`
	Engine   *EngineConfig   `mapstructure:"engine"`
	Logging  *logging.Config `mapstructure:"logging"`
}

// ChainConfig describes the shared upstream RPC endpoint.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxInflight    int           `mapstructure:"max_inflight"` // bounded concurrent request count, shared across runs
	Multicall      string        `mapstructure:"multicall"`    // batched-read contract address
}

// HarnessConfig controls fork creation and exploit compilation.
type HarnessConfig struct {
	AnvilBin       string        `mapstructure:"anvil_bin"`
	ForgeBin       string        `mapstructure:"forge_bin"`
	SolcVersion    string        `mapstructure:"solc_version"`
	EntryPoint     string        `mapstructure:"entry_point"`  // exploit entry function, e.g. run()
	FundWei        string        `mapstructure:"fund_wei"`     // default executor balance, decimal wei
	GasLimit       uint64        `mapstructure:"gas_limit"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// RefineConfig bounds the draft/simulate loop.
type RefineConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
}

// VenueConfig is one v2-style liquidity venue (factory with getPair pools).
type VenueConfig struct {
	Name    string `mapstructure:"name"`
	Factory string `mapstructure:"factory"`
	FeeBps  int    `mapstructure:"fee_bps"`
}

// RevenueConfig controls settlement path search.
type RevenueConfig struct {
	Venues          []VenueConfig `mapstructure:"venues"`
	Intermediates   []string      `mapstructure:"intermediates"`
	ReferenceToken  string        `mapstructure:"reference_token"` // wrapped native; the comparison unit
	MaxPriceImpact  float64       `mapstructure:"max_price_impact"`
	HopToleranceBps int           `mapstructure:"hop_tolerance_bps"` // direct path preferred within this of best multi-hop
}

// SourceConfig configures verified-source retrieval.
type SourceConfig struct {
	EtherscanURL string        `mapstructure:"etherscan_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SinksConfig selects persistence collaborators. Empty sections are disabled.
type SinksConfig struct {
	File     *FileSinkConfig  `mapstructure:"file"`
	Postgres *PostgresConfig  `mapstructure:"postgres"`
	Kafka    *KafkaSinkConfig `mapstructure:"kafka"`
	Bolt     *BoltSinkConfig  `mapstructure:"bolt"`
}

type FileSinkConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"` // json or yaml
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type KafkaSinkConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type BoltSinkConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig bounds run-level behavior.
type EngineConfig struct {
	Parallel   int           `mapstructure:"parallel"`    // concurrent runs
	RunTimeout time.Duration `mapstructure:"run_timeout"` // whole-run deadline, 0 disables
	ProxyDepth int           `mapstructure:"proxy_depth"` // resolver recursion bound
}

// Load reads the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EXPLOITSCAN")
	v.AutomaticEnv()

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("chain.rpc_url", "http://localhost:8545")
	v.SetDefault("chain.request_timeout", "15s")
	v.SetDefault("chain.max_inflight", 16)
	v.SetDefault("chain.multicall", "0xcA11bde05977b3631167028862bE2a173976CA11")

	v.SetDefault("harness.anvil_bin", "anvil")
	v.SetDefault("harness.forge_bin", "forge")
	v.SetDefault("harness.solc_version", "0.8.19")
	v.SetDefault("harness.entry_point", "run")
	v.SetDefault("harness.fund_wei", "100000000000000000000") // 100 native units
	v.SetDefault("harness.gas_limit", 30_000_000)
	v.SetDefault("harness.exec_timeout", "120s")
	v.SetDefault("harness.startup_timeout", "30s")

	v.SetDefault("refine.max_iterations", 5)

	v.SetDefault("revenue.venues", []map[string]interface{}{
		{"name": "uniswap_v2", "factory": "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f", "fee_bps": 30},
		{"name": "sushiswap", "factory": "0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac", "fee_bps": 30},
	})
	v.SetDefault("revenue.intermediates", []string{
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
		"0xdAC17F958D2ee523a2206206994597C13D831ec7", // USDT
	})
	v.SetDefault("revenue.reference_token", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	v.SetDefault("revenue.max_price_impact", 0.05)
	v.SetDefault("revenue.hop_tolerance_bps", 50)

	v.SetDefault("source.etherscan_url", "https://api.etherscan.io/api")
	v.SetDefault("source.timeout", "10s")

	v.SetDefault("engine.parallel", 3)
	v.SetDefault("engine.run_timeout", "0")
	v.SetDefault("engine.proxy_depth", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

func validate(cfg *Config) error {
	if cfg.Chain == nil || cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if cfg.Refine != nil && cfg.Refine.MaxIterations < 1 {
		return fmt.Errorf("refine.max_iterations must be at least 1")
	}
	if cfg.Revenue != nil && len(cfg.Revenue.Venues) == 0 {
		return fmt.Errorf("revenue.venues must name at least one venue")
	}
	return nil
}
