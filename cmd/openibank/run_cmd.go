package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/openibank/openibank-sub002/pkg/archive"
	"github.com/openibank/openibank-sub002/pkg/bus"
	"github.com/openibank/openibank-sub002/pkg/capabilities"
	"github.com/openibank/openibank-sub002/pkg/config"
	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/crypto"
	"github.com/openibank/openibank-sub002/pkg/kernel"
	"github.com/openibank/openibank-sub002/pkg/observability"
	"github.com/openibank/openibank-sub002/pkg/schema"
	"github.com/openibank/openibank-sub002/pkg/store"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

// activeTTL bounds how long a crashed host can pin an agent's commitment
// in the shared registry.
const activeTTL = 15 * time.Minute

type runOptions struct {
	manifestPath     string
	requestsPath     string
	seedFile         string
	traceOut         string
	commitmentsOut   string
	activeCommitment string
	attestation      string
	hostPublicKey    string
}

// lineResult is written to stdout for every request line.
type lineResult struct {
	Line         int    `json:"line"`
	Kind         string `json:"kind,omitempty"`
	CommitmentID string `json:"commitment_id,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

// runSummary is the final stdout line.
type runSummary struct {
	AgentID       string `json:"agent_id"`
	PublicKey     string `json:"public_key"`
	Processed     int    `json:"processed"`
	Committed     int    `json:"committed"`
	Rejected      int    `json:"rejected"`
	Invalid       int    `json:"invalid"`
	TraceHash     string `json:"trace_hash"`
	ArchiveDigest string `json:"archive_digest,omitempty"`
}

// runRunCmd implements `openibank run`.
//
// Requests are read one JSON document per line, validated against the
// request schema, and fed to the kernel through its mailbox. Kernel
// rejections are ordinary outcomes; only malformed lines fail the run.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var opts runOptions
	cmd.StringVar(&opts.manifestPath, "manifest", "", "Kernel manifest YAML (default $OPENIBANK_KERNEL_MANIFEST)")
	cmd.StringVar(&opts.requestsPath, "requests", "", "JSONL file of proposal requests, - for stdin (REQUIRED)")
	cmd.StringVar(&opts.seedFile, "seed-file", "", "Hex master seed; the agent key is derived from it")
	cmd.StringVar(&opts.traceOut, "trace-out", "", "Write the final trace document here")
	cmd.StringVar(&opts.commitmentsOut, "commitments-out", "", "Append signed commitments here as JSONL")
	cmd.StringVar(&opts.activeCommitment, "active-commitment", "", "Open this commitment before processing")
	cmd.StringVar(&opts.attestation, "attestation", "", "Capability attestation token")
	cmd.StringVar(&opts.hostPublicKey, "host-public-key", "", "Hex Ed25519 key that signed --attestation")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if opts.requestsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --requests is required")
		return 2
	}
	if opts.attestation != "" && opts.hostPublicKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --attestation needs --host-public-key")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if opts.manifestPath == "" {
		opts.manifestPath = cfg.ManifestPath
	}
	logger, err := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := runKernel(ctx, cfg, opts, stdout, logger)
	if err != nil {
		logger.ErrorContext(ctx, "run failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func runKernel(ctx context.Context, cfg *config.Config, opts runOptions, stdout io.Writer, logger *slog.Logger) (int, error) {
	m, err := config.LoadManifest(opts.manifestPath)
	if err != nil {
		return 2, err
	}

	h, err := openHost(ctx, cfg, logger)
	if err != nil {
		return 2, err
	}
	defer h.Close(context.WithoutCancel(ctx))

	k, closePolicy, err := buildKernel(ctx, m, opts, logger)
	if err != nil {
		return 2, err
	}
	defer func() { _ = closePolicy(context.WithoutCancel(ctx)) }()
	defer func() { _ = k.Close() }()

	summary := runSummary{AgentID: k.AgentID(), PublicKey: k.PublicKey()}
	logger.InfoContext(ctx, "kernel ready",
		"agent_id", k.AgentID(),
		"role", k.Role(),
		"mode", k.Mode(),
		"public_key", summary.PublicKey,
		"contracts", len(k.Contracts()),
	)

	mb := bus.New(k, bus.Options{
		Buffer: cfg.BusBuffer,
		Rate:   rate.Limit(cfg.BusRate),
		Burst:  1,
		Tracer: h.provider.Tracer(),
		Logger: logger,
	})
	var busErr error
	busDone := make(chan struct{})
	go func() {
		busErr = mb.Run(ctx)
		close(busDone)
	}()
	stopBus := func() error {
		mb.Close()
		<-busDone
		return busErr
	}
	defer func() { _ = stopBus() }()

	if opts.activeCommitment != "" {
		release, err := h.openCommitment(ctx, mb, k.AgentID(), opts.activeCommitment)
		if err != nil {
			return 2, err
		}
		defer release(context.WithoutCancel(ctx))
	}

	var commitmentsOut io.Writer
	if opts.commitmentsOut != "" {
		f, err := os.OpenFile(opts.commitmentsOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 2, fmt.Errorf("open commitments output: %w", err)
		}
		defer func() { _ = f.Close() }()
		commitmentsOut = f
	}

	in, err := openInput(opts.requestsPath)
	if err != nil {
		return 2, err
	}
	defer func() { _ = in.Close() }()

	enc := json.NewEncoder(stdout)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		summary.Processed++

		res := lineResult{Line: line}
		req, err := schema.DecodeRequest(raw)
		if err != nil {
			summary.Invalid++
			res.ErrorKind = "invalid_request"
			res.Error = err.Error()
			_ = enc.Encode(res)
			continue
		}
		res.Kind = string(req.Kind)

		sc, err := h.propose(ctx, mb, k.AgentID(), k.Role(), req)
		switch {
		case err != nil && isTransportError(err):
			return 2, err
		case err != nil:
			summary.Rejected++
			res.ErrorKind = observability.ErrorKind(err)
			res.Error = err.Error()
		default:
			summary.Committed++
			res.CommitmentID = sc.CommitmentID
			if err := h.saveCommitment(ctx, sc, commitmentsOut); err != nil {
				return 2, err
			}
		}
		_ = enc.Encode(res)
	}
	if err := scanner.Err(); err != nil {
		return 2, fmt.Errorf("read requests: %w", err)
	}

	// drain the mailbox before reading the trace
	if err := stopBus(); err != nil {
		return 2, err
	}

	doc := k.Trace().Document()
	if summary.TraceHash, err = k.Trace().Hash(); err != nil {
		return 2, err
	}
	if opts.traceOut != "" {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return 2, err
		}
		if err := os.WriteFile(opts.traceOut, data, 0o600); err != nil {
			return 2, fmt.Errorf("write trace: %w", err)
		}
	}
	if summary.ArchiveDigest, err = h.persistTrace(ctx, doc); err != nil {
		return 2, err
	}

	_ = enc.Encode(summary)
	logger.InfoContext(ctx, "run complete",
		"processed", summary.Processed,
		"committed", summary.Committed,
		"rejected", summary.Rejected,
		"invalid", summary.Invalid,
	)
	if summary.Invalid > 0 {
		return 1, nil
	}
	return 0, nil
}

// buildKernel assembles the kernel a manifest describes.
func buildKernel(ctx context.Context, m *config.Manifest, opts runOptions, logger *slog.Logger) (*kernel.Kernel, config.Closer, error) {
	caps, err := m.CapabilitySet()
	if err != nil {
		return nil, nil, err
	}
	if opts.attestation != "" {
		pub, err := parsePublicKey(opts.hostPublicKey)
		if err != nil {
			return nil, nil, err
		}
		attested, err := capabilities.NewVerifier(pub, nil).AttestInto(caps, m.AgentID, opts.attestation)
		if err != nil {
			return nil, nil, err
		}
		logger.InfoContext(ctx, "capabilities attested", "capabilities", attested)
	}
	set, err := m.ContractSet()
	if err != nil {
		return nil, nil, err
	}
	prop, err := m.Proposer()
	if err != nil {
		return nil, nil, err
	}

	var signer crypto.Signer
	if opts.seedFile != "" {
		s, err := signerFromSeedFile(opts.seedFile, m.AgentID)
		if err != nil {
			return nil, nil, err
		}
		signer = s
	}

	pol, closePolicy, err := m.BuildPolicy(ctx)
	if err != nil {
		return nil, nil, err
	}
	k, err := kernel.New(kernel.Config{
		AgentID:         m.AgentID,
		Role:            m.Role,
		Mode:            m.ProposerMode(),
		Proposer:        prop,
		Policy:          pol,
		Capabilities:    caps,
		Contracts:       set,
		TraceMaxEntries: m.TraceMaxEntries,
		Signer:          signer,
		Logger:          logger,
	})
	if err != nil {
		_ = closePolicy(ctx)
		return nil, nil, err
	}
	return k, closePolicy, nil
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid host public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid host public key size: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open requests: %w", err)
	}
	return f, nil
}

// isTransportError reports failures of the mailbox itself rather than
// kernel rejections.
func isTransportError(err error) bool {
	var kerr *kernel.Error
	if errors.As(err, &kerr) {
		return false
	}
	return errors.Is(err, bus.ErrClosed) || errors.Is(err, bus.ErrFull) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// host owns the optional collaborators configured through the environment.
type host struct {
	provider    *observability.Provider
	traces      *store.SQLiteTraceStore
	commitments *store.PostgresCommitmentStore
	registry    *store.RedisCommitmentRegistry
	archive     archive.Archive
	logger      *slog.Logger
}

func openHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *host, err error) {
	h := &host{logger: logger}
	defer func() {
		if err != nil {
			h.Close(ctx)
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	if cfg.OTelEndpoint != "" {
		otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	}
	if h.provider, err = observability.New(ctx, otelCfg); err != nil {
		return nil, err
	}

	if cfg.SQLitePath != "" {
		if h.traces, err = store.OpenSQLiteTraceStore(cfg.SQLitePath); err != nil {
			return nil, err
		}
	}
	if cfg.DatabaseURL != "" {
		if h.commitments, err = store.OpenPostgresCommitmentStore(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	if cfg.RedisAddr != "" {
		h.registry = store.NewRedisCommitmentRegistry(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err = h.registry.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	if cfg.ArchiveBucket != "" {
		if h.archive, err = archive.Open(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *host) Close(ctx context.Context) {
	if h.traces != nil {
		_ = h.traces.Close()
	}
	if h.commitments != nil {
		_ = h.commitments.Close()
	}
	if h.registry != nil {
		_ = h.registry.Close()
	}
	if h.provider != nil {
		_ = h.provider.Shutdown(ctx)
	}
}

// openCommitment claims id in the shared registry, when there is one, and
// then opens it on the kernel.
func (h *host) openCommitment(ctx context.Context, mb *bus.Mailbox, agentID, id string) (func(context.Context), error) {
	release := func(context.Context) {}
	if h.registry != nil {
		ok, err := h.registry.Acquire(ctx, agentID, id, activeTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			current, _ := h.registry.Current(ctx, agentID)
			return nil, fmt.Errorf("agent %s already has active commitment %q: %w", agentID, current, kernel.ErrCommitmentActive)
		}
		release = func(ctx context.Context) {
			if _, err := h.registry.Release(ctx, agentID, id); err != nil {
				h.logger.WarnContext(ctx, "release active commitment failed", "commitment_id", id, "error", err)
			}
		}
	}
	resp, err := mb.Request(ctx, bus.ActionMessage(bus.SetActive(id)))
	if err == nil {
		err = resp.Err
	}
	if err != nil {
		release(ctx)
		return nil, err
	}
	return release, nil
}

func (h *host) propose(ctx context.Context, mb *bus.Mailbox, agentID, role string, req contracts.ProposalRequest) (*contracts.SignedCommitment, error) {
	ctx, finish := h.provider.TrackOperation(ctx, "kernel.request", observability.RequestOperation(agentID, role, req)...)
	resp, err := mb.Request(ctx, bus.ProposalMessage(req))
	if err == nil {
		err = resp.Err
	}
	finish(err)
	if err != nil {
		return nil, err
	}
	observability.AddCommitment(ctx, resp.Commitment)
	return resp.Commitment, nil
}

func (h *host) saveCommitment(ctx context.Context, sc *contracts.SignedCommitment, out io.Writer) error {
	if out != nil {
		b, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		if _, err := out.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("write commitment: %w", err)
		}
	}
	if h.commitments != nil {
		dup, err := store.Record(ctx, h.commitments, sc)
		if err != nil {
			return err
		}
		if dup {
			h.logger.WarnContext(ctx, "commitment already recorded", "commitment_id", sc.CommitmentID)
		}
	}
	return nil
}

// persistTrace appends the trace to SQLite and archives it, for whichever
// of the two is configured.
func (h *host) persistTrace(ctx context.Context, doc trace.Document) (string, error) {
	if h.traces != nil {
		if err := h.traces.Append(ctx, doc); err != nil {
			return "", err
		}
	}
	if h.archive == nil {
		return "", nil
	}
	digest, err := archive.PutTrace(ctx, h.archive, doc)
	if err != nil {
		return "", err
	}
	h.logger.InfoContext(ctx, "trace archived", "digest", digest)
	return digest, nil
}
