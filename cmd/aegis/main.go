package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegis-kernel/aegis/pkg/auditlog"
	"github.com/aegis-kernel/aegis/pkg/auditor"
	"github.com/aegis-kernel/aegis/pkg/capsule"
	"github.com/aegis-kernel/aegis/pkg/config"
	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/observability"
	"github.com/aegis-kernel/aegis/pkg/proof"
	"github.com/aegis-kernel/aegis/pkg/replay"
	"github.com/aegis-kernel/aegis/pkg/watchdog"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "seal":
		return runSealCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChainCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `aegis - verifiable accountability kernel

Usage:
  aegis seal -rules "rule1,rule2" [-pack file.yaml]   Seal a rule capsule and print its hash
  aegis demo                                          Run the deny/approve escalation scenario
  aegis verify-chain -db audit.db                     Verify a persisted audit chain
  aegis help                                          Show this help`)
}

func setupLogger(stderr io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "DEBUG") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// setupTelemetry builds the OTLP provider. When telemetry is off the
// provider is inert and the returned shutdown func is a cheap no-op; either
// way both are safe to use.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*observability.Provider, func()) {
	ocfg := observability.DefaultConfig()
	ocfg.OTLPEndpoint = cfg.OTLPEndpoint
	ocfg.Enabled = cfg.TelemetryOn
	ocfg.Insecure = true

	provider, err := observability.New(ctx, ocfg)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", "error", err)
		provider, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return provider, shutdown
}

func loadSigner(cfg *config.Config) (*crypto.Ed25519Signer, error) {
	passphrase := os.Getenv("KEYSTORE_PASSPHRASE")
	if passphrase == "" {
		// Ephemeral key when no keystore passphrase is supplied.
		return crypto.NewEd25519Signer("aegis-ephemeral")
	}
	ks, err := crypto.NewFileKeyStore(cfg.KeystoreDir, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	return ks.Signer("aegis")
}

func runSealCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rulesFlag := fs.String("rules", "", "comma-separated rule list")
	packFlag := fs.String("pack", "", "YAML rule pack path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := setupLogger(stderr, cfg)

	signer, err := loadSigner(cfg)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		return 1
	}

	var c *capsule.Capsule
	switch {
	case *packFlag != "":
		pack, err := capsule.LoadRulePack(*packFlag)
		if err != nil {
			logger.Error("rule pack load failed", "error", err)
			return 1
		}
		c, err = pack.Build(signer)
		if err != nil {
			logger.Error("rule pack build failed", "error", err)
			return 1
		}
	case *rulesFlag != "":
		c = capsule.New(splitRules(*rulesFlag), signer).WithTTL(cfg.ProofTTLSeconds)
	default:
		_, _ = fmt.Fprintln(stderr, "seal requires -rules or -pack")
		return 2
	}

	if !c.Sealed() {
		if err := c.Seal(); err != nil {
			logger.Error("seal failed", "error", err)
			return 1
		}
	}

	hash, err := c.Hash()
	if err != nil {
		logger.Error("capsule hash unavailable", "error", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "capsule sealed\n  rules: %d\n  hash:  %s\n", len(c.Rules()), hex.EncodeToString(hash[:]))
	return 0
}

func splitRules(raw string) []string {
	parts := strings.Split(raw, ",")
	rules := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			rules = append(rules, trimmed)
		}
	}
	return rules
}

// runDemoCmd seals a capsule with a network rule, drives the watchdog
// through denial escalation and an approval reset, and records every
// verified proof in a hash-chained audit log.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	logger := setupLogger(stderr, cfg)
	sessionID := uuid.NewString()
	logger = logger.With("session", sessionID)

	provider, shutdownTelemetry := setupTelemetry(ctx, cfg, logger)
	defer shutdownTelemetry()

	signer, err := loadSigner(cfg)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		return 1
	}

	rules := []string{
		"No external network access",
		"No harm to the host system",
	}
	c := capsule.New(rules, signer).WithTTL(cfg.ProofTTLSeconds)
	if err := c.Seal(); err != nil {
		logger.Error("seal failed", "error", err)
		return 1
	}
	hash, _ := c.Hash()
	_, _ = fmt.Fprintf(stdout, "capsule sealed: %s\n", hex.EncodeToString(hash[:]))

	w := watchdog.New(c, signer)
	guard := replay.NewMemoryGuard()
	aud := auditor.New(signer, guard)
	log := auditlog.NewLog(signer)

	actions := []*proof.Action{
		proof.Execute("curl http://x"),
		proof.Read("/data/report.txt"),
		proof.Delete("/etc/passwd"),
	}

	for _, action := range actions {
		desc, err := action.Description()
		if err != nil {
			logger.Error("action canonicalization failed", "error", err)
			return 1
		}

		vctx, done := provider.TrackVerification(ctx, "verify_action",
			attribute.String("action", desc))
		verdict, err := w.VerifyAction(vctx, action)
		if err != nil {
			done(err)
			logger.Error("verification failed", "action", desc, "error", err)
			return 1
		}

		if verdict.Approved {
			if err := aud.VerifyProofForAction(vctx, verdict.Proof, action); err != nil {
				done(err)
				logger.Error("audit rejected proof", "error", err)
				return 1
			}
			if _, err := log.Append(vctx, desc, verdict.Proof); err != nil {
				done(err)
				logger.Error("audit log append failed", "error", err)
				return 1
			}
			done(nil)
			_, _ = fmt.Fprintf(stdout, "APPROVED  %-28s violations=%d\n", desc, w.ViolationCount())
			continue
		}

		provider.RecordDenial(vctx, verdict.Denial.ViolatedRule)
		done(nil)
		_, _ = fmt.Fprintf(stdout, "DENIED    %-28s rule=%q violations=%d\n",
			desc, verdict.Denial.ViolatedRule, verdict.Denial.ViolationCount)
		if verdict.HardReset != nil {
			_, _ = fmt.Fprintln(stdout, "HARD RESET REQUIRED: discard mutable context and acknowledge")
		}
	}

	if err := log.VerifyChain(); err != nil {
		logger.Error("audit chain verification failed", "error", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "audit chain verified: %d entries\n", log.Len())
	return 0
}

func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "path to the audit log database")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dbPath == "" {
		_, _ = fmt.Fprintln(stderr, "verify-chain requires -db")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	logger := setupLogger(stderr, cfg)

	signer, err := loadSigner(cfg)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		return 1
	}

	store, err := auditlog.OpenSQLiteStore(*dbPath)
	if err != nil {
		logger.Error("audit store open failed", "error", err)
		return 1
	}
	defer store.Close()

	log, err := auditlog.NewLogWithStore(ctx, signer, store)
	if err != nil {
		logger.Error("audit chain verification failed", "error", err)
		return 1
	}

	head := log.Head()
	_, _ = fmt.Fprintf(stdout, "chain intact\n  entries: %d\n  head:    %s\n",
		log.Len(), hex.EncodeToString(head[:]))
	return 0
}
