package config

import "time"

// Config is the root configuration structure for the store. Yaml tags mirror
// the option names an operator would set in a config file.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Memtable MemtableConfig `yaml:"memtable"`
	SSTable  SSTableConfig  `yaml:"sstable"`
	WAL      WALConfig      `yaml:"wal"`
	Store    StoreConfig    `yaml:"store"`
	Bloom    BloomConfig    `yaml:"bloom_filter"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MemtableConfig struct {
	// WritesBeforeLock is the max insert slots before sealing. Must be < 2^31.
	WritesBeforeLock uint32 `yaml:"writes_before_lock"`
	// DataLimitBytes is the live-data seal threshold.
	DataLimitBytes uint64 `yaml:"data_limit"`
	// TotalDataLimitBytes is the total-data (including overwritten) seal threshold.
	TotalDataLimitBytes uint64 `yaml:"total_data_limit"`
}

type SSTableConfig struct {
	MaxBlockSizeBytes uint64 `yaml:"max_block_size"`
	BaseDir           string `yaml:"base_dir"`
}

type WALConfig struct {
	ConcurrentPutLimit int    `yaml:"concurrent_put_limit"`
	BaseDir            string `yaml:"base_dir"`
}

type StoreConfig struct {
	BackgroundActivityPeriod time.Duration `yaml:"background_activity_period"`
	// MemtableHistory is the sealed-memtable stack depth that triggers a flush.
	MemtableHistory int `yaml:"memtable_history"`
	// PutRetryLimit bounds the sealed-memtable retry loop in Store.Put; a value
	// of 0 means unbounded, matching the reference's original behavior.
	PutRetryLimit int `yaml:"put_retry_limit"`
}

// BloomConfig configures the optional negative-lookup accelerator in front of
// SSTable reads.
type BloomConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FPRate          float64 `yaml:"fp_rate"`
	Capacity        uint64  `yaml:"capacity"`
	ScalingFactor   uint64  `yaml:"scaling_factor"`
	TighteningRatio float64 `yaml:"tightening_ratio"`
}

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// Default returns the baseline configuration, matching the defaults called
// out in the external interfaces table.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Memtable: MemtableConfig{
			WritesBeforeLock:    2000,
			DataLimitBytes:      16 * MiB,
			TotalDataLimitBytes: 160 * MiB,
		},
		SSTable: SSTableConfig{
			MaxBlockSizeBytes: 4 * MiB,
			BaseDir:           "./data",
		},
		WAL: WALConfig{
			ConcurrentPutLimit: 256,
			BaseDir:            "./data",
		},
		Store: StoreConfig{
			BackgroundActivityPeriod: 50 * time.Millisecond,
			MemtableHistory:          2,
			PutRetryLimit:            1000,
		},
		Bloom: BloomConfig{
			Enabled:         true,
			FPRate:          0.01,
			Capacity:        1000,
			ScalingFactor:   2,
			TighteningRatio: 0.9,
		},
	}
}
