package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/cli"
	"go.dedis.ch/circlevote/config"
	"go.dedis.ch/circlevote/contracts/governance"
	"go.dedis.ch/circlevote/core/ledger"
	"go.dedis.ch/circlevote/core/ledger/tally"
	"go.dedis.ch/circlevote/core/ordering/mirror"
	"go.dedis.ch/circlevote/core/ordering/topic"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"go.dedis.ch/circlevote/vote"
	"go.dedis.ch/circlevote/vote/session"
	"go.dedis.ch/circlevote/vote/store"
	"golang.org/x/xerrors"
)

const (
	sourceStore  = "store"
	sourceMirror = "mirror"

	defaultWatchInterval = 10 * time.Second
)

func (a *app) keyNew(flags cli.Flags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	_, err = os.Stat(cfg.KeyPath)
	if err == nil {
		if !flags.Bool("force") {
			return xerrors.Errorf("key already exists at %s", cfg.KeyPath)
		}

		err = os.Remove(cfg.KeyPath)
		if err != nil {
			return xerrors.Errorf("failed to remove key: %v", err)
		}
	}

	signer, err := secp256k1.LoadOrCreateKeySigner(cfg.KeyPath)
	if err != nil {
		return xerrors.Errorf("failed to create key: %v", err)
	}

	fmt.Fprintf(a.out, "address: %s\n", signer.Address().Hex())

	return nil
}

func (a *app) keyAddress(flags cli.Flags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	signer, err := secp256k1.LoadKeySigner(cfg.KeyPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "address: %s\n", signer.Address().Hex())

	return nil
}

func (a *app) voteCast(flags cli.Flags) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadValidConfig(flags)
	if err != nil {
		return err
	}

	support, err := vote.ParseSupport(flags.String("support"))
	if err != nil {
		return err
	}

	signer, err := secp256k1.LoadKeySigner(cfg.KeyPath)
	if err != nil {
		return err
	}

	opts := []topic.Option{}
	if !cfg.Fallback || flags.Bool("no-fallback") {
		opts = append(opts, topic.WithoutFallback())
	}

	log, err := topic.NewClient(cfg.LogURL, opts...)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}

	defer db.Close()

	s := session.New(signer, log, cfg.TopicID)
	s.Watch(progress{out: a.out})

	final, err := session.Cast(ctx, s, vote.Intent{ProposalID: flags.Uint64("proposal"), Support: support})
	if err != nil {
		return xerrors.Errorf("failed to cast vote: %v", err)
	}

	err = db.Save(final)
	if err != nil {
		return xerrors.Errorf("failed to save vote: %v", err)
	}

	fmt.Fprintf(a.out, "session %s: %s voted %s on proposal %d at %v\n",
		s.ID(), final.Voter, final.Support, final.ProposalID, final.Receipt)

	if flags.Bool("publish") {
		receipt, err := s.Publish(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(a.out, "finalized vote published at %v\n", receipt)
	}

	if flags.Bool("confirm") {
		if !final.Authoritative() {
			return xerrors.Errorf("sequence %d is simulated and cannot be confirmed", final.LogSequenceNumber)
		}

		reader, err := newReader(cfg)
		if err != nil {
			return err
		}

		record, err := reader.WaitForMessage(ctx, cfg.TopicID, final.LogSequenceNumber)
		if err != nil {
			return xerrors.Errorf("failed to confirm: %w", err)
		}

		fmt.Fprintf(a.out, "confirmed by the mirror: %s at #%d\n", record.Voter, record.Sequence)
	}

	return nil
}

func (a *app) voteFetch(flags cli.Flags) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadValidConfig(flags)
	if err != nil {
		return err
	}

	reader, err := newReader(cfg)
	if err != nil {
		return err
	}

	iter := reader.FetchVotes(ctx, cfg.TopicID, proposalFilter(flags))

	for iter.HasNext() {
		record := iter.GetNext()
		if flags.Bool("final") && !record.IsFinal() {
			continue
		}

		a.printRecord(record)
	}

	if iter.Err() != nil {
		return xerrors.Errorf("failed to fetch votes: %v", iter.Err())
	}

	return nil
}

func (a *app) votePending(flags cli.Flags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}

	defer db.Close()

	proposals := []uint64{flags.Uint64("proposal")}
	if !flags.IsSet("proposal") {
		proposals, err = db.Proposals()
		if err != nil {
			return err
		}
	}

	for _, id := range proposals {
		votes, err := db.List(id)
		if err != nil {
			return err
		}

		for _, v := range votes {
			fmt.Fprintf(a.out, "proposal=%d\tvoter=%s\tsupport=%s\tsequence=%d\t%v\n",
				v.ProposalID, v.Voter, v.Support, v.LogSequenceNumber, v.Receipt)
		}
	}

	return nil
}

func (a *app) voteWatch(flags cli.Flags) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadValidConfig(flags)
	if err != nil {
		return err
	}

	reader, err := newReader(cfg)
	if err != nil {
		return err
	}

	addr := cfg.MetricsAddr
	if flags.IsSet("metrics-addr") {
		addr = flags.String("metrics-addr")
	}

	if addr != "" {
		srv, err := serveMetrics(addr)
		if err != nil {
			return err
		}

		defer srv.Close()

		fmt.Fprintf(a.out, "metrics served on http://%s/metrics\n", srv.Addr)
	}

	return a.watch(ctx, reader, cfg.TopicID, proposalFilter(flags),
		clockwork.NewRealClock(), flags.Duration("interval"))
}

// watch prints the new votes of the topic until the context is done.
func (a *app) watch(ctx context.Context, reader *mirror.Reader, topicID string,
	filter *uint64, clock clockwork.Clock, interval time.Duration) error {

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	seen := false

	for {
		iter := reader.FetchVotes(ctx, topicID, filter)

		for iter.HasNext() {
			record := iter.GetNext()
			if seen && record.Sequence <= last {
				continue
			}

			a.printRecord(record)

			last = record.Sequence
			seen = true
		}

		if iter.Err() != nil {
			circlevote.Logger.Warn().Err(iter.Err()).Msg("failed to read the mirror")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (a *app) tally(flags cli.Flags) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadValidConfig(flags)
	if err != nil {
		return err
	}

	if flags.IsSet("gas-limit") {
		cfg.GasLimit = flags.Uint64("gas-limit")
	}

	proposalID := flags.Uint64("proposal")
	source := flags.String("source")

	var votes []vote.FinalizedVote
	var db *store.Store

	switch source {
	case sourceStore:
		db, err = store.Open(cfg.StorePath)
		if err != nil {
			return err
		}

		defer db.Close()

		votes, err = db.List(proposalID)
		if err != nil {
			return err
		}
	case sourceMirror:
		reader, err := newReader(cfg)
		if err != nil {
			return err
		}

		iter := reader.FetchVotes(ctx, cfg.TopicID, &proposalID)
		votes = vote.FinalizedVotes(iter)

		if iter.Err() != nil {
			return xerrors.Errorf("failed to fetch votes: %v", iter.Err())
		}
	default:
		return xerrors.Errorf("unknown source '%s'", source)
	}

	var l ledger.Ledger

	if flags.Bool("dry-run") {
		l = governance.NewLedger(cfg.Contract())
	} else {
		signer, err := secp256k1.LoadKeySigner(cfg.KeyPath)
		if err != nil {
			return err
		}

		l, err = a.dialLedger(ctx, cfg, signer)
		if err != nil {
			return err
		}
	}

	opts := []tally.Option{}
	if cfg.ContractAddress != "" {
		opts = append(opts, tally.WithContract(cfg.Contract()))
	}

	if flags.Bool("allow-simulated") {
		opts = append(opts, tally.WithSimulatedVotes())
	}

	result, err := tally.NewCoordinator(l, opts...).Tally(ctx, proposalID, votes)
	if err != nil {
		return xerrors.Errorf("failed to tally: %w", err)
	}

	fmt.Fprintf(a.out, "proposal %d: for=%d against=%d abstain=%d passing=%t gas=%d\n",
		proposalID, result.ForVotes, result.AgainstVotes, result.AbstainVotes,
		result.IsPassing, result.ResourceUsed)

	if db != nil && !flags.Bool("dry-run") {
		n, err := db.Delete(proposalID)
		if err != nil {
			return err
		}

		fmt.Fprintf(a.out, "%d tallied votes removed from the store\n", n)
	}

	return nil
}

// progress prints the transitions of a signing session.
type progress struct {
	out io.Writer
}

func (p progress) NotifyCallback(evt session.Transition) {
	fmt.Fprintf(p.out, "%v -> %v\n", evt.From, evt.To)
}

func (a *app) printRecord(record vote.Record) {
	fmt.Fprintf(a.out, "#%d\tproposal=%d\tvoter=%s\tsupport=%s\tversion=%d\n",
		record.Sequence, record.ProposalID, record.Voter, record.Support, record.Version)
}

func newReader(cfg config.Config) (*mirror.Reader, error) {
	return mirror.NewReader(cfg.MirrorURL,
		mirror.WithPageSize(cfg.PageSize),
		mirror.WithPolling(cfg.PollAttempts, cfg.PollDelay))
}

func proposalFilter(flags cli.Flags) *uint64 {
	if !flags.IsSet("proposal") {
		return nil
	}

	id := flags.Uint64("proposal")

	return &id
}

// serveMetrics registers the collectors of the packages and serves them on
// the address.
func serveMetrics(addr string) (*http.Server, error) {
	registry := prometheus.NewRegistry()

	for _, c := range circlevote.PromCollectors {
		err := registry.Register(c)
		if err != nil {
			return nil, xerrors.Errorf("failed to register collector: %v", err)
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to listen: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			circlevote.Logger.Err(err).Msg("metrics server stopped")
		}
	}()

	return srv, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
