// Package config loads the cluster, node and user configuration of a simulation run.
// Files may be YAML, JSON or TOML. Top level values can be overridden from the
// environment with the VAULTSIM_ prefix, e.g. VAULTSIM_RUN_DURATION=10m.
package config

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/blang/semver"
	mapset "github.com/deckarep/golang-set"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"gitlab.com/mayachain/vaultsim/constants"
)

////////////////////////////////////////////////////////////////////////////////////////
// Types
////////////////////////////////////////////////////////////////////////////////////////

// Config is the cluster level configuration.
type Config struct {
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`

	// AdminKey is the credential of the genesis vault owner that funds every user.
	AdminKey string `mapstructure:"admin_key"`

	// FeeMarginFactor scales the genesis funding above the sum of initial balances.
	FeeMarginFactor float64 `mapstructure:"fee_margin_factor"`

	RunDuration time.Duration `mapstructure:"run_duration"`

	// RNGSeed seeds every node and user that has no explicit seed. A nil seed is
	// taken from the wall clock.
	RNGSeed *int64 `mapstructure:"rng_seed"`

	PhloPrice int64 `mapstructure:"phlo_price"`
	PhloLimit int64 `mapstructure:"phlo_limit"`

	// PoolSize bounds the concurrent blocking transport calls.
	PoolSize int `mapstructure:"pool_size"`

	AdminDeployTimeout time.Duration `mapstructure:"admin_deploy_timeout"`

	Nodes []NodeConfig `mapstructure:"nodes"`
}

// NodeConfig configures one ledger endpoint and the users deploying through it.
type NodeConfig struct {
	Address string `mapstructure:"address"`
	RNGSeed *int64 `mapstructure:"rng_seed"`

	DeployMinDelay      time.Duration `mapstructure:"deploy_min_delay"`
	DeployMaxDelay      time.Duration `mapstructure:"deploy_max_delay"`
	DeployFixedDuration time.Duration `mapstructure:"deploy_fixed_duration"`

	ProposeMinDelay      time.Duration `mapstructure:"propose_min_delay"`
	ProposeMaxDelay      time.Duration `mapstructure:"propose_max_delay"`
	ProposeFixedDuration time.Duration `mapstructure:"propose_fixed_duration"`
	ProposeTimeout       time.Duration `mapstructure:"propose_timeout"`

	Users []UserConfig `mapstructure:"users"`
}

// UserConfig configures one simulated vault owner.
type UserConfig struct {
	// Key is a hex seed or a mnemonic.
	Key string `mapstructure:"key"`

	// Name is the display name, generated when empty.
	Name string `mapstructure:"name"`

	RNGSeed        *int64        `mapstructure:"rng_seed"`
	InitialBalance int64         `mapstructure:"initial_balance"`
	DeployTimeout  time.Duration `mapstructure:"deploy_timeout"`

	BatchMin    int64 `mapstructure:"batch_min"`
	BatchMax    int64 `mapstructure:"batch_max"`
	TransferMin int64 `mapstructure:"transfer_min"`
	TransferMax int64 `mapstructure:"transfer_max"`
}

////////////////////////////////////////////////////////////////////////////////////////
// Load
////////////////////////////////////////////////////////////////////////////////////////

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to read config %s: %w", path, err)
	}
	return decode(v)
}

// LoadReader reads a configuration of the given format ("yaml", "json", "toml").
func LoadReader(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("fail to read config: %w", err)
	}
	return decode(v)
}

// LoadString is LoadReader for an in-memory document.
func LoadString(s, format string) (*Config, error) {
	return LoadReader(bytes.NewBufferString(s), format)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// defaults register the keys so that environment overrides apply
	v.SetDefault("version", constants.Version)
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_key", "")
	v.SetDefault("fee_margin_factor", constants.FeeMarginFactor)
	v.SetDefault("run_duration", constants.RunDuration.String())
	v.SetDefault("phlo_price", constants.PhloPrice)
	v.SetDefault("phlo_limit", constants.PhloLimit)
	v.SetDefault("pool_size", constants.PoolSize)
	v.SetDefault("admin_deploy_timeout", constants.AdminDeployTimeout.String())
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(durationHook, mapstructure.StringToSliceHookFunc(","))
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("fail to decode config: %w", err)
	}

	// rng_seed may come from the environment as a string
	if cfg.RNGSeed == nil && v.IsSet("rng_seed") {
		seed, err := cast.ToInt64E(v.Get("rng_seed"))
		if err != nil {
			return nil, fmt.Errorf("invalid rng_seed: %w", err)
		}
		cfg.RNGSeed = &seed
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook decodes numbers as seconds and strings as Go durations, falling back
// to seconds for numeric strings.
func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		s := strings.TrimSpace(data.(string))
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		secs, err := cast.ToFloat64E(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", s)
		}
		return seconds(secs), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		secs, err := cast.ToFloat64E(data)
		if err != nil {
			return nil, err
		}
		return seconds(secs), nil
	}
	return data, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

////////////////////////////////////////////////////////////////////////////////////////
// Defaults & Validation
////////////////////////////////////////////////////////////////////////////////////////

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.FeeMarginFactor == 0 {
		c.FeeMarginFactor = constants.FeeMarginFactor
	}
	if c.PhloPrice == 0 {
		c.PhloPrice = constants.PhloPrice
	}
	if c.PhloLimit == 0 {
		c.PhloLimit = constants.PhloLimit
	}
	if c.PoolSize == 0 {
		c.PoolSize = constants.PoolSize
	}
	if c.AdminDeployTimeout == 0 {
		c.AdminDeployTimeout = constants.AdminDeployTimeout
	}
	if c.RunDuration == 0 {
		c.RunDuration = constants.RunDuration
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.ProposeTimeout == 0 {
			n.ProposeTimeout = constants.ProposeTimeout
		}
		for j := range n.Users {
			u := &n.Users[j]
			if u.DeployTimeout == 0 {
				u.DeployTimeout = constants.DeployTimeout
			}
			if u.BatchMin == 0 && u.BatchMax == 0 {
				u.BatchMin, u.BatchMax = constants.BatchMinSize, constants.BatchMaxSize
			}
			if u.TransferMin == 0 && u.TransferMax == 0 {
				u.TransferMin, u.TransferMax = constants.TransferMinAmount, constants.TransferMaxAmount
			}
		}
	}
}

// Validate checks ranges and identities.
func (c *Config) Validate() error {
	version, err := semver.ParseTolerant(c.Version)
	if err != nil {
		return fmt.Errorf("invalid config version %q: %w", c.Version, err)
	}
	supported := semver.MustParse(constants.Version)
	if version.Major != supported.Major {
		return fmt.Errorf("unsupported config version %s, expected %d.x", version, supported.Major)
	}
	if c.AdminKey == "" {
		return fmt.Errorf("admin_key is required")
	}
	if c.FeeMarginFactor < 1 {
		return fmt.Errorf("fee_margin_factor must be at least 1, got %f", c.FeeMarginFactor)
	}
	if c.RunDuration < 0 {
		return fmt.Errorf("run_duration must be non-negative, got %s", c.RunDuration)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.PhloPrice < 0 || c.PhloLimit < 0 {
		return fmt.Errorf("phlo price and limit must be non-negative")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}

	keys := mapset.NewSet()
	keys.Add(c.AdminKey)
	for i, n := range c.Nodes {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("node %d (%s): %w", i, n.Address, err)
		}
		for j, u := range n.Users {
			if !keys.Add(u.Key) {
				return fmt.Errorf("node %d (%s): user %d: duplicate key", i, n.Address, j)
			}
		}
	}
	return nil
}

// Validate checks the phase timing and user ranges of the node.
func (n NodeConfig) Validate() error {
	if n.Address == "" {
		return fmt.Errorf("address is required")
	}
	if err := checkDurationRange("deploy delay", n.DeployMinDelay, n.DeployMaxDelay); err != nil {
		return err
	}
	if err := checkDurationRange("propose delay", n.ProposeMinDelay, n.ProposeMaxDelay); err != nil {
		return err
	}
	if n.DeployFixedDuration < 0 || n.ProposeFixedDuration < 0 {
		return fmt.Errorf("fixed phase durations must be non-negative")
	}
	if n.ProposeTimeout <= 0 {
		return fmt.Errorf("propose_timeout must be positive")
	}
	for i, u := range n.Users {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("user %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the batch and amount ranges of the user.
func (u UserConfig) Validate() error {
	if u.Key == "" {
		return fmt.Errorf("key is required")
	}
	if u.InitialBalance < 0 {
		return fmt.Errorf("initial_balance must be non-negative, got %d", u.InitialBalance)
	}
	if u.DeployTimeout <= 0 {
		return fmt.Errorf("deploy_timeout must be positive")
	}
	if u.BatchMin < 0 || u.BatchMin > u.BatchMax {
		return fmt.Errorf("invalid batch range [%d, %d]", u.BatchMin, u.BatchMax)
	}
	if u.TransferMin <= 0 || u.TransferMin > u.TransferMax {
		return fmt.Errorf("invalid transfer range [%d, %d]", u.TransferMin, u.TransferMax)
	}
	return nil
}

func checkDurationRange(name string, min, max time.Duration) error {
	if min < 0 || min > max {
		return fmt.Errorf("invalid %s range [%s, %s]", name, min, max)
	}
	return nil
}

// UserCount returns the number of users across all nodes.
func (c *Config) UserCount() int {
	count := 0
	for _, n := range c.Nodes {
		count += len(n.Users)
	}
	return count
}
