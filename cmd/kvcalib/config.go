package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kvcalib configuration file (~/.config/kvcalib/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	WorkDir string `yaml:"work_dir"`
	Arch    string `yaml:"arch"`

	// Corpus sampling
	Samples   *int64 `yaml:"samples"`
	SeqLen    *int64 `yaml:"seqlen"`
	BatchSize *int64 `yaml:"batch_size"`
	Seed      *int64 `yaml:"seed"`
	Shards    *int64 `yaml:"shards"`

	// Resolver
	Scheme        string `yaml:"scheme"`
	Granularity   string `yaml:"granularity"`
	BitWidth      *int64 `yaml:"bit_width"`
	HistogramBins *int64 `yaml:"histogram_bins"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kvcalib", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or doesn't parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyQuantConfig(c *cli.Command, cfg Config, o *quantOptions) {
	if cfg.Scheme != "" && !c.IsSet("scheme") {
		o.scheme = cfg.Scheme
	}
	if cfg.Granularity != "" && !c.IsSet("granularity") {
		o.granularity = cfg.Granularity
	}
	if cfg.BitWidth != nil && !c.IsSet("bit-width") {
		o.bitWidth = *cfg.BitWidth
	}
	if cfg.WorkDir != "" && !c.IsSet("work-dir") {
		o.workDir = cfg.WorkDir
	}
}

// applyCalibrateConfig applies config file defaults to calibrate options
// when the corresponding CLI flag was not explicitly set.
func applyCalibrateConfig(c *cli.Command, cfg Config, o *calibrateOptions) {
	applyQuantConfig(c, cfg, &o.quantOptions)
	if cfg.Arch != "" && !c.IsSet("arch") {
		o.arch = cfg.Arch
	}
	if cfg.Samples != nil && !c.IsSet("samples") {
		o.samples = *cfg.Samples
	}
	if cfg.SeqLen != nil && !c.IsSet("seqlen") {
		o.seqLen = *cfg.SeqLen
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		o.batchSize = *cfg.BatchSize
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	if cfg.Shards != nil && !c.IsSet("shards") {
		o.shards = *cfg.Shards
	}
	if cfg.HistogramBins != nil && !c.IsSet("histogram-bins") {
		o.histogramBins = *cfg.HistogramBins
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
