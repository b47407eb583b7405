package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	err := os.WriteFile(path, []byte(`
log_url: https://log.example.org
topic_id: 0.0.4242
fallback: false
poll_delay: 500ms
contract_address: "0x00000000000000000000000000000000000c1c1e"
`), 0600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://log.example.org", cfg.LogURL)
	require.Equal(t, "0.0.4242", cfg.TopicID)
	require.False(t, cfg.Fallback)
	require.Equal(t, 500*time.Millisecond, cfg.PollDelay)
	require.Equal(t, Default().MirrorURL, cfg.MirrorURL)
	require.Equal(t, 10, cfg.PollAttempts)
	require.NoError(t, cfg.Validate())
	require.Equal(t, common.HexToAddress("0xc1c1e"), cfg.Contract())
}

func TestLoad_Default(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "key.hex", filepath.Base(cfg.KeyPath))
}

func TestLoad_Failures(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config: ")

	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("unknown_key: 1\n"), 0600))

	_, err = Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse config: ")
}

func TestConfig_Save(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yml")

	cfg := Default()
	cfg.TopicID = "0.0.1"
	cfg.PollDelay = time.Minute

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestConfig_Validate(t *testing.T) {
	valid := Default()
	valid.TopicID = "0.0.1"
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"log_url: unsupported scheme 'ftp'": func(c *Config) { c.LogURL = "ftp://log" },
		"mirror_url: host is missing":       func(c *Config) { c.MirrorURL = "http://" },
		"topic_id is missing":               func(c *Config) { c.TopicID = "" },
		"contract_address 'abc' is not an address": func(c *Config) {
			c.ContractAddress = "abc"
		},
		"page_size 0 not in [1, 100]":     func(c *Config) { c.PageSize = 0 },
		"poll_attempts must be positive":  func(c *Config) { c.PollAttempts = 0 },
		"poll_delay must not be negative": func(c *Config) { c.PollDelay = -1 },
	}

	for msg, update := range cases {
		cfg := valid
		update(&cfg)

		err := cfg.Validate()
		require.True(t, xerrors.Is(err, ErrInvalidConfig), msg)
		require.EqualError(t, err, msg+": invalid configuration")
	}
}
