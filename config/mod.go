// Package config defines the configuration of the voting client and loads it
// from a YAML file.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

const (
	// DirName is the name of the directory in the home of the user that holds
	// the default files.
	DirName = ".circlevote"

	maxPageSize = 100
)

// ErrInvalidConfig is returned when a value of the configuration is invalid.
var ErrInvalidConfig = xerrors.New("invalid configuration")

// Config is the configuration of the voting client.
type Config struct {
	// LogURL is the endpoint of the log that orders the votes.
	LogURL string `yaml:"log_url"`

	// TopicID is the topic of the log that holds the votes of the circle.
	TopicID string `yaml:"topic_id"`

	// Fallback enables the simulated sequence numbers when the log is not
	// available.
	Fallback bool `yaml:"fallback"`

	// MirrorURL is the endpoint of the read-only mirror of the log.
	MirrorURL string `yaml:"mirror_url"`

	PageSize     int           `yaml:"page_size"`
	PollAttempts int           `yaml:"poll_attempts"`
	PollDelay    time.Duration `yaml:"poll_delay"`

	// LedgerURL is the JSON-RPC endpoint of the ledger hosting the governance
	// contract.
	LedgerURL       string `yaml:"ledger_url"`
	ContractAddress string `yaml:"contract_address"`
	GasLimit        uint64 `yaml:"gas_limit"`

	KeyPath   string `yaml:"key_path"`
	StorePath string `yaml:"store_path"`

	// MetricsAddr is the listening address of the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration for a local deployment.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	dir := filepath.Join(home, DirName)

	return Config{
		LogURL:       "http://127.0.0.1:5551",
		MirrorURL:    "http://127.0.0.1:5600",
		Fallback:     true,
		PageSize:     maxPageSize,
		PollAttempts: 10,
		PollDelay:    2 * time.Second,
		LedgerURL:    "http://127.0.0.1:8545",
		KeyPath:      filepath.Join(dir, "key.hex"),
		StorePath:    filepath.Join(dir, "votes.db"),
		MetricsAddr:  "127.0.0.1:9464",
	}
}

// Load returns the default configuration overridden by the values of the
// file. An empty path returns the default configuration. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Errorf("failed to read config: %v", err)
	}

	err = yaml.UnmarshalStrict(data, &cfg)
	if err != nil {
		return cfg, xerrors.Errorf("failed to parse config: %v", err)
	}

	return cfg, nil
}

// Save writes the configuration to the file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return xerrors.Errorf("failed to marshal config: %v", err)
	}

	err = os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return xerrors.Errorf("failed to create directory: %v", err)
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return xerrors.Errorf("failed to write config: %v", err)
	}

	return nil
}

// Validate returns an error if a value is invalid.
func (c Config) Validate() error {
	for name, endpoint := range map[string]string{
		"log_url":    c.LogURL,
		"mirror_url": c.MirrorURL,
		"ledger_url": c.LedgerURL,
	} {
		err := validateURL(endpoint)
		if err != nil {
			return xerrors.Errorf("%s: %v: %w", name, err, ErrInvalidConfig)
		}
	}

	if c.TopicID == "" {
		return xerrors.Errorf("topic_id is missing: %w", ErrInvalidConfig)
	}

	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		return xerrors.Errorf("contract_address '%s' is not an address: %w",
			c.ContractAddress, ErrInvalidConfig)
	}

	if c.PageSize <= 0 || c.PageSize > maxPageSize {
		return xerrors.Errorf("page_size %d not in [1, %d]: %w", c.PageSize, maxPageSize, ErrInvalidConfig)
	}

	if c.PollAttempts <= 0 {
		return xerrors.Errorf("poll_attempts must be positive: %w", ErrInvalidConfig)
	}

	if c.PollDelay < 0 {
		return xerrors.Errorf("poll_delay must not be negative: %w", ErrInvalidConfig)
	}

	return nil
}

// Contract returns the address of the governance contract.
func (c Config) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

func validateURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return xerrors.Errorf("unsupported scheme '%s'", u.Scheme)
	}

	if u.Host == "" {
		return xerrors.New("host is missing")
	}

	return nil
}
