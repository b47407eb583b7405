// Package main implements the command line client of the circle votes.
//
//	circlevote key new
//	circlevote --topic 0.0.4242 vote cast --proposal 7 --support for --publish
//	circlevote --topic 0.0.4242 vote fetch --proposal 7
//	circlevote --topic 0.0.4242 vote watch --metrics-addr 127.0.0.1:9464
//	circlevote --topic 0.0.4242 tally --proposal 7 --dry-run
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.dedis.ch/circlevote/cli"
	"go.dedis.ch/circlevote/cli/urfave"
	"go.dedis.ch/circlevote/config"
	"go.dedis.ch/circlevote/core/ledger"
	"go.dedis.ch/circlevote/core/ledger/eth"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"golang.org/x/xerrors"
)

func main() {
	err := newApp(os.Stdout).build().Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// ledgerFactory returns the ledger that executes the tally transactions.
type ledgerFactory func(ctx context.Context, cfg config.Config, key secp256k1.KeySigner) (ledger.Ledger, error)

type app struct {
	out        io.Writer
	dialLedger ledgerFactory
}

func newApp(out io.Writer) *app {
	return &app{
		out:        out,
		dialLedger: dialEthereum,
	}
}

func (a *app) build() cli.Application {
	builder := urfave.NewBuilder("circlevote", nil,
		cli.PathFlag{
			Name:    "config",
			Usage:   "path to the YAML configuration file",
			EnvVars: []string{"CIRCLEVOTE_CONFIG"},
		},
		cli.StringFlag{
			Name:    "log-url",
			Usage:   "endpoint of the log",
			EnvVars: []string{"CIRCLEVOTE_LOG_URL"},
		},
		cli.StringFlag{
			Name:    "mirror-url",
			Usage:   "endpoint of the mirror of the log",
			EnvVars: []string{"CIRCLEVOTE_MIRROR_URL"},
		},
		cli.StringFlag{
			Name:    "topic",
			Usage:   "topic of the log holding the votes",
			EnvVars: []string{"CIRCLEVOTE_TOPIC"},
		},
		cli.StringFlag{
			Name:    "ledger-url",
			Usage:   "JSON-RPC endpoint of the ledger",
			EnvVars: []string{"CIRCLEVOTE_LEDGER_URL"},
		},
		cli.StringFlag{
			Name:    "contract",
			Usage:   "address of the governance contract",
			EnvVars: []string{"CIRCLEVOTE_CONTRACT"},
		},
		cli.PathFlag{
			Name:    "key",
			Usage:   "path to the private key of the member",
			EnvVars: []string{"CIRCLEVOTE_KEY"},
		},
		cli.PathFlag{
			Name:    "store",
			Usage:   "path to the local vote store",
			EnvVars: []string{"CIRCLEVOTE_STORE"},
		},
	)

	builder.SetUsage("signed off-ledger votes of a savings circle")
	builder.SetWriter(a.out)

	key := builder.SetCommand("key")
	key.SetDescription("manage the signing key")

	sub := key.SetSubCommand("new")
	sub.SetDescription("generate a new key")
	sub.SetFlags(cli.BoolFlag{
		Name:  "force",
		Usage: "replace an existing key",
	})
	sub.SetAction(a.keyNew)

	sub = key.SetSubCommand("address")
	sub.SetDescription("print the address of the key")
	sub.SetAction(a.keyAddress)

	cmd := builder.SetCommand("vote")
	cmd.SetDescription("cast and read votes")

	sub = cmd.SetSubCommand("cast")
	sub.SetDescription("sign a vote and submit it to the log")
	sub.SetFlags(
		cli.Uint64Flag{
			Name:     "proposal",
			Usage:    "identifier of the proposal",
			Required: true,
		},
		cli.StringFlag{
			Name:     "support",
			Usage:    "one of for, against, abstain",
			Required: true,
		},
		cli.BoolFlag{
			Name:  "publish",
			Usage: "publish the finalized vote so that other members can tally it",
		},
		cli.BoolFlag{
			Name:  "confirm",
			Usage: "wait until the vote is visible in the mirror",
		},
		cli.BoolFlag{
			Name:  "no-fallback",
			Usage: "fail instead of simulating a sequence number when the log is down",
		},
	)
	sub.SetAction(a.voteCast)

	sub = cmd.SetSubCommand("fetch")
	sub.SetDescription("read and verify the votes of the topic")
	sub.SetFlags(
		cli.Uint64Flag{
			Name:  "proposal",
			Usage: "only the votes of this proposal",
		},
		cli.BoolFlag{
			Name:  "final",
			Usage: "only the finalized votes",
		},
	)
	sub.SetAction(a.voteFetch)

	sub = cmd.SetSubCommand("pending")
	sub.SetDescription("list the votes of the local store not yet tallied")
	sub.SetFlags(cli.Uint64Flag{
		Name:  "proposal",
		Usage: "only the votes of this proposal",
	})
	sub.SetAction(a.votePending)

	sub = cmd.SetSubCommand("watch")
	sub.SetDescription("follow the votes of the topic")
	sub.SetFlags(
		cli.Uint64Flag{
			Name:  "proposal",
			Usage: "only the votes of this proposal",
		},
		cli.DurationFlag{
			Name:  "interval",
			Usage: "delay between two reads of the mirror",
			Value: defaultWatchInterval,
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "listening address of the Prometheus endpoint, empty to disable",
		},
	)
	sub.SetAction(a.voteWatch)

	cmd = builder.SetCommand("tally")
	cmd.SetDescription("submit the votes of a proposal to the governance contract")
	cmd.SetFlags(
		cli.Uint64Flag{
			Name:     "proposal",
			Usage:    "identifier of the proposal",
			Required: true,
		},
		cli.StringFlag{
			Name:  "source",
			Usage: "where the votes are read, store or mirror",
			Value: sourceStore,
		},
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "tally against an in-memory model of the contract",
		},
		cli.BoolFlag{
			Name:  "allow-simulated",
			Usage: "include the votes with a simulated sequence number",
		},
		cli.Uint64Flag{
			Name:  "gas-limit",
			Usage: "fixed gas limit of the transaction",
		},
	)
	cmd.SetAction(a.tally)

	return builder.Build()
}

// loadConfig reads the configuration file and applies the global flags.
func loadConfig(flags cli.Flags) (config.Config, error) {
	cfg, err := config.Load(flags.Path("config"))
	if err != nil {
		return cfg, err
	}

	overrides := map[string]*string{
		"log-url":    &cfg.LogURL,
		"mirror-url": &cfg.MirrorURL,
		"topic":      &cfg.TopicID,
		"ledger-url": &cfg.LedgerURL,
		"contract":   &cfg.ContractAddress,
	}

	for name, value := range overrides {
		if flags.IsSet(name) {
			*value = flags.String(name)
		}
	}

	if flags.IsSet("key") {
		cfg.KeyPath = flags.Path("key")
	}

	if flags.IsSet("store") {
		cfg.StorePath = flags.Path("store")
	}

	return cfg, nil
}

// loadValidConfig is like loadConfig but the configuration must be valid.
func loadValidConfig(flags cli.Flags) (config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return cfg, err
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}

	return cfg, nil
}

func dialEthereum(ctx context.Context, cfg config.Config, key secp256k1.KeySigner) (ledger.Ledger, error) {
	if cfg.ContractAddress == "" {
		return nil, xerrors.New("contract address is missing")
	}

	opts := []eth.Option{}
	if cfg.GasLimit > 0 {
		opts = append(opts, eth.WithGasLimit(cfg.GasLimit))
	}

	client, err := eth.Dial(ctx, cfg.LedgerURL, cfg.Contract(), key.PrivateKey(), opts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to connect to the ledger: %v", err)
	}

	return client, nil
}
