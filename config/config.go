// Package config loads the settlement service configuration once at startup.
// The resulting *Config is treated as immutable and handed to every component.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

const EnvPrefix = "ATLAS"

var (
	ErrNoChains          = errors.New("no destination chains configured")
	ErrNoAtlasAddress    = errors.New("bitcoin.atlas_address is required")
	ErrBadPageParameters = errors.New("reconciler page size and page concurrency must be positive")
	ErrBadGasMultiplier  = errors.New("gas multipliers must lie in [1.1, 1.2]")
)

const (
	MinGasMultiplier = 1.1
	MaxGasMultiplier = 1.2
)

func ErrChainNotConfigured(chainID string) error {
	return fmt.Errorf("chain %q is not configured", chainID)
}

func ErrDuplicateChain(chainID string) error {
	return fmt.Errorf("chain %q configured twice", chainID)
}

type BitcoinConfig struct {
	Network string `mapstructure:"network"`
	RPCHost string `mapstructure:"rpc_host"`
	RPCUser string `mapstructure:"rpc_user"`
	RPCPass string `mapstructure:"rpc_pass"`
	ChainID string `mapstructure:"chain_id"`
	// the protocol's deposit (custody) address; must match the MPC-derived key
	AtlasAddress         string `mapstructure:"atlas_address"`
	MinConfirmations     int64  `mapstructure:"min_confirmations"`
	MinUtxoConfirmations int    `mapstructure:"min_utxo_confirmations"`
	ScanStartHeight      int64  `mapstructure:"scan_start_height"`
	ValidatorsThreshold  uint32 `mapstructure:"validators_threshold"`
	FeeConfTarget        int64  `mapstructure:"fee_conf_target"`
}

type ChainConfig struct {
	ChainID             string              `mapstructure:"chain_id"`
	Type                agreement.ChainType `mapstructure:"type"`
	RPCURL              string              `mapstructure:"rpc_url"`
	ContractAddress     string              `mapstructure:"contract_address"`
	ValidatorsThreshold uint32              `mapstructure:"validators_threshold"`
	// ETH, POL, ... priced by the oracle
	NativeAsset        string  `mapstructure:"native_asset"`
	Confirmations      uint64  `mapstructure:"confirmations"`
	ScanStartBlock     uint64  `mapstructure:"scan_start_block"`
	MaxBlockRange      uint64  `mapstructure:"max_block_range"`
	GasLimitMultiplier float64 `mapstructure:"gas_limit_multiplier"`
	BaseFeeMultiplier  float64 `mapstructure:"base_fee_multiplier"`
	// NEAR only: the relayer account derived from the MPC key
	NearAccountID string `mapstructure:"near_account_id"`
	NearGas       uint64 `mapstructure:"near_gas"`
	// NEAR only, the EVM client dials its own connection
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`
	RPCRetries int           `mapstructure:"rpc_retries"`
}

type FeeConfig struct {
	RedemptionFeeBps       int64 `mapstructure:"redemption_fee_bps"`
	BridgingFeeBps         int64 `mapstructure:"bridging_fee_bps"`
	YieldProviderGasFeeSat int64 `mapstructure:"yield_provider_gas_fee_sat"`
	// charged on bridgings to pay for the destination mint
	BridgeMintingFeeSat int64  `mapstructure:"bridge_minting_fee_sat"`
	TreasuryAddress     string `mapstructure:"treasury_address"`
}

type SignerConfig struct {
	// local | remote
	Mode       string `mapstructure:"mode"`
	Endpoint   string `mapstructure:"endpoint"`
	AccountID  string `mapstructure:"account_id"`
	RootPubKey string `mapstructure:"root_public_key"`
	// hex root private key, local mode only
	LocalRootKey string        `mapstructure:"local_root_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BitcoinPath  string        `mapstructure:"bitcoin_path"`
	EvmPath      string        `mapstructure:"evm_path"`
	NearPath     string        `mapstructure:"near_path"`
	// mutual TLS towards the signer; empty means plaintext
	Cert         string `mapstructure:"cert"`
	Key          string `mapstructure:"key"`
	ServerCACert string `mapstructure:"server_ca_cert"`
}

type YieldProviderConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	DepositAddress string        `mapstructure:"deposit_address"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Retries        int           `mapstructure:"retries"`
}

type ReconcilerConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	PageConcurrency   int           `mapstructure:"page_concurrency"`
	PageGroupDelay    time.Duration `mapstructure:"page_group_delay"`
	Interval          time.Duration `mapstructure:"interval"`
	ActionConcurrency int           `mapstructure:"action_concurrency"`
	ScanLeaseTTL      time.Duration `mapstructure:"scan_lease_ttl"`
	ReceiptTimeout    time.Duration `mapstructure:"receipt_timeout"`
	ReceiptAttempts   uint64        `mapstructure:"receipt_attempts"`
	RollbackInterval  time.Duration `mapstructure:"rollback_interval"`
	RollbackCooldown  time.Duration `mapstructure:"rollback_cooldown"`
	BtcScanInterval   time.Duration `mapstructure:"btc_scan_interval"`
}

type OracleConfig struct {
	URL     string        `mapstructure:"url"`
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	ScratchDir string `mapstructure:"scratch_dir"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
	IncidentDir string `mapstructure:"incident_dir"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

type ReporterConfig struct {
	IP   string `mapstructure:"ip"`
	Port string `mapstructure:"port"`
}

type Config struct {
	Bitcoin       BitcoinConfig       `mapstructure:"bitcoin"`
	Chains        []ChainConfig       `mapstructure:"chains"`
	Fees          FeeConfig           `mapstructure:"fees"`
	Signer        SignerConfig        `mapstructure:"signer"`
	YieldProvider YieldProviderConfig `mapstructure:"yield_provider"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
	Oracle        OracleConfig        `mapstructure:"oracle"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Log           LogConfig           `mapstructure:"log"`
	Reporter      ReporterConfig      `mapstructure:"reporter"`

	chains map[string]*ChainConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bitcoin.network", "mainnet")
	v.SetDefault("bitcoin.chain_id", "BTC")
	v.SetDefault("bitcoin.min_confirmations", 1)
	v.SetDefault("bitcoin.min_utxo_confirmations", 0)
	v.SetDefault("bitcoin.validators_threshold", 1)
	v.SetDefault("bitcoin.fee_conf_target", 6)

	v.SetDefault("signer.mode", "remote")
	v.SetDefault("signer.timeout", 30*time.Second)
	v.SetDefault("signer.bitcoin_path", "bitcoin-1")
	v.SetDefault("signer.evm_path", "ethereum-1")
	v.SetDefault("signer.near_path", "near-1")

	v.SetDefault("yield_provider.timeout", 15*time.Second)
	v.SetDefault("yield_provider.retries", 2)

	v.SetDefault("reconciler.page_size", 1000)
	v.SetDefault("reconciler.page_concurrency", 5)
	v.SetDefault("reconciler.page_group_delay", 100*time.Millisecond)
	v.SetDefault("reconciler.interval", 5*time.Second)
	v.SetDefault("reconciler.action_concurrency", 4)
	v.SetDefault("reconciler.scan_lease_ttl", 10*time.Minute)
	v.SetDefault("reconciler.receipt_timeout", 2*time.Minute)
	v.SetDefault("reconciler.receipt_attempts", 10)
	v.SetDefault("reconciler.rollback_interval", time.Minute)
	v.SetDefault("reconciler.rollback_cooldown", 10*time.Minute)
	v.SetDefault("reconciler.btc_scan_interval", 30*time.Second)

	v.SetDefault("oracle.url", "https://api.coingecko.com/api/v3")
	v.SetDefault("oracle.ttl", 5*time.Minute)
	v.SetDefault("oracle.timeout", 10*time.Second)
	v.SetDefault("oracle.retries", 2)

	v.SetDefault("storage.db_path", "atlas.db")
	v.SetDefault("storage.scratch_dir", "scratch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.incident_dir", "logs")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("reporter.ip", "0.0.0.0")
	v.SetDefault("reporter.port", "8080")
}

// NewViper returns a viper instance with defaults and ATLAS_* env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the config file at path (any format viper understands).
func Load(path string) (*Config, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	if c.Bitcoin.AtlasAddress == "" {
		return ErrNoAtlasAddress
	}
	if len(c.Chains) == 0 {
		return ErrNoChains
	}
	if c.Reconciler.PageSize <= 0 || c.Reconciler.PageConcurrency <= 0 {
		return ErrBadPageParameters
	}

	c.chains = make(map[string]*ChainConfig, len(c.Chains))
	for i := range c.Chains {
		ch := &c.Chains[i]
		if !ch.Type.Valid() || ch.Type == agreement.ChainTypeBitcoin {
			return fmt.Errorf("chain %q: invalid type %q", ch.ChainID, ch.Type)
		}
		if _, ok := c.chains[ch.ChainID]; ok {
			return ErrDuplicateChain(ch.ChainID)
		}
		if ch.GasLimitMultiplier == 0 {
			ch.GasLimitMultiplier = 1.2
		}
		if ch.BaseFeeMultiplier == 0 {
			ch.BaseFeeMultiplier = 1.1
		}
		if !inGasRange(ch.GasLimitMultiplier) || !inGasRange(ch.BaseFeeMultiplier) {
			return fmt.Errorf("chain %q: %w", ch.ChainID, ErrBadGasMultiplier)
		}
		if ch.RPCTimeout == 0 {
			ch.RPCTimeout = 15 * time.Second
		}
		if ch.RPCRetries == 0 {
			ch.RPCRetries = 2
		}
		if ch.MaxBlockRange == 0 {
			ch.MaxBlockRange = 1000
		}
		if ch.NearGas == 0 {
			ch.NearGas = 100_000_000_000_000
		}
		c.chains[ch.ChainID] = ch
	}
	return nil
}

func inGasRange(m float64) bool {
	return m >= MinGasMultiplier && m <= MaxGasMultiplier
}

// Chain looks up a destination chain by id.
func (c *Config) Chain(chainID string) (*ChainConfig, bool) {
	ch, ok := c.chains[chainID]
	return ch, ok
}

// Threshold returns validators_threshold for chainID. The bitcoin chain id
// resolves to the bitcoin section.
func (c *Config) Threshold(chainID string) (uint32, bool) {
	if chainID == c.Bitcoin.ChainID {
		return c.Bitcoin.ValidatorsThreshold, true
	}
	ch, ok := c.chains[chainID]
	if !ok {
		return 0, false
	}
	return ch.ValidatorsThreshold, true
}

// ChainsOfType lists configured chains of one family, in config order.
func (c *Config) ChainsOfType(t agreement.ChainType) []*ChainConfig {
	var out []*ChainConfig
	for i := range c.Chains {
		if c.Chains[i].Type == t {
			out = append(out, &c.Chains[i])
		}
	}
	return out
}
