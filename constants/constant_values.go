package constants

import "time"

// Version of the simulator, reported by the version command and checked against the
// version field of configuration files.
const Version = "1.0.0"

// Defaults applied when a configuration value is absent.
const (
	// FeeMarginFactor covers transfer friction charged to the genesis vault while
	// funding user vaults.
	FeeMarginFactor = 1.2

	PhloPrice int64 = 1
	PhloLimit int64 = 1_000_000_000

	// PoolSize bounds the number of blocking transport calls in flight per process.
	PoolSize = 32

	RunDuration        = 2 * time.Minute
	AdminDeployTimeout = 30 * time.Second
	DeployTimeout      = 10 * time.Second
	ProposeTimeout     = 60 * time.Second

	BatchMinSize int64 = 1
	BatchMaxSize int64 = 3

	TransferMinAmount int64 = 1
	TransferMaxAmount int64 = 1000

	// WatcherInterval is the polling interval of the balance watcher.
	WatcherInterval = 5 * time.Second

	EnvPrefix = "VAULTSIM"
)
