package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub002/pkg/config"
	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/proposer"
)

var envKeys = []string{
	"OPENIBANK_KERNEL_MANIFEST", "OPENIBANK_LOG_LEVEL", "OPENIBANK_LOG_FORMAT",
	"DATABASE_URL", "OPENIBANK_SQLITE_PATH", "REDIS_ADDR",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OPENIBANK_OTEL_ENABLED",
	"OPENIBANK_ARCHIVE_BUCKET", "OPENIBANK_ARCHIVE_REGION",
	"OPENIBANK_BUS_BUFFER", "OPENIBANK_BUS_RATE",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the host boots with safe defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "openibank.yaml", cfg.ManifestPath)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "us-east-1", cfg.ArchiveRegion)
	assert.Equal(t, 64, cfg.BusBuffer)
	assert.Zero(t, cfg.BusRate)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENIBANK_KERNEL_MANIFEST", "/etc/openibank/kernel.yaml")
	t.Setenv("OPENIBANK_LOG_LEVEL", "debug")
	t.Setenv("OPENIBANK_LOG_FORMAT", "JSON")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("OPENIBANK_SQLITE_PATH", "/var/lib/openibank/trace.db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OPENIBANK_OTEL_ENABLED", "true")
	t.Setenv("OPENIBANK_ARCHIVE_BUCKET", "traces")
	t.Setenv("OPENIBANK_ARCHIVE_REGION", "eu-west-1")
	t.Setenv("OPENIBANK_BUS_BUFFER", "8")
	t.Setenv("OPENIBANK_BUS_RATE", "2.5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/etc/openibank/kernel.yaml", cfg.ManifestPath)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "/var/lib/openibank/trace.db", cfg.SQLitePath)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "traces", cfg.ArchiveBucket)
	assert.Equal(t, "eu-west-1", cfg.ArchiveRegion)
	assert.Equal(t, 8, cfg.BusBuffer)
	assert.Equal(t, 2.5, cfg.BusRate)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string][2]string{
		"level":  {"OPENIBANK_LOG_LEVEL", "TRACE"},
		"format": {"OPENIBANK_LOG_FORMAT", "xml"},
		"buffer": {"OPENIBANK_BUS_BUFFER", "0"},
		"rate":   {"OPENIBANK_BUS_RATE", "fast"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	m, err := config.LoadManifest(filepath.Join("testdata", "kernel.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "buyer-1", m.AgentID)
	assert.Equal(t, proposer.ModeDeterministic, m.ProposerMode())
	assert.Equal(t, 256, m.TraceMaxEntries)

	caps, err := m.CapabilitySet()
	require.NoError(t, err)
	assert.True(t, caps.IsAttested(contracts.CapabilityPaymentInitiate))
	assert.False(t, caps.IsAttested(contracts.CapabilityInvoiceIssue))

	set, err := m.ContractSet()
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	disputes := set.All()[1]
	assert.Equal(t, []contracts.Outcome{contracts.OutcomeRelease, contracts.OutcomeRefund}, disputes.AllowedOutcomes)

	p, err := m.Proposer()
	require.NoError(t, err)
	assert.Equal(t, proposer.ModeDeterministic, p.Mode())

	ctx := context.Background()
	pol, closePolicy, err := m.BuildPolicy(ctx)
	require.NoError(t, err)
	defer func() { assert.NoError(t, closePolicy(ctx)) }()

	intent := func(seller string, price int64) *contracts.Intent {
		return &contracts.Intent{
			AgentID: "buyer-1",
			Request: contracts.NewPaymentRequest(contracts.PaymentRequest{Seller: seller, Price: price}),
		}
	}
	assert.True(t, pol.Decide(intent("alice", 900)).Allow)
	assert.False(t, pol.Decide(intent("mallory", 10)).Allow)
	// the CEL rule runs before the sandbox, so its reason wins
	assert.Equal(t, "over the per-request limit", pol.Decide(intent("alice", 6000)).Reason)
	assert.False(t, pol.Decide(intent("alice", 2000)).Allow)
}

func TestParseManifest_Invalid(t *testing.T) {
	base := "agent_id: a\ncapabilities: [payment.initiate]\n"
	tests := map[string]string{
		"missing version":   base,
		"bad version":       "version: one\n" + base,
		"major too new":     "version: 2.0.0\n" + base,
		"missing agent":     "version: 1.0.0\n",
		"unknown mode":      "version: 1.0.0\nmode: creative\n" + base,
		"assisted no llm":   "version: 1.0.0\nmode: assisted\n" + base,
		"bad capability":    "version: 1.0.0\nagent_id: a\ncapabilities: [Payment]\n",
		"bad outcome":       "version: 1.0.0\n" + base + "contracts:\n  - name: d\n    allowed_outcomes: [split]\n",
		"unknown key":       "version: 1.0.0\n" + base + "colour: blue\n",
		"unknown policy":    "version: 1.0.0\n" + base + "policy:\n  type: vibes\n",
		"cel no expression": "version: 1.0.0\n" + base + "policy:\n  type: cel\n",
		"cel syntax error":  "version: 1.0.0\n" + base + "policy:\n  type: cel\n  expression: \"input.amount <=\"\n",
		"wasm no module":    "version: 1.0.0\n" + base + "policy:\n  type: wasm\n",
		"nested bad rule":   "version: 1.0.0\n" + base + "policy:\n  type: all_of\n  rules:\n    - type: vibes\n",
		"negative trace":    "version: 1.0.0\n" + base + "trace_max_entries: -1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestManifest_AssistedProposer(t *testing.T) {
	t.Setenv("OPENIBANK_TEST_LLM_KEY", "sk-test")
	doc := `
version: 1.0.0
agent_id: a
mode: assisted
llm:
  base_url: http://localhost:1234/v1
  model: local
  api_key_env: OPENIBANK_TEST_LLM_KEY
`
	m, err := config.ParseManifest([]byte(doc))
	require.NoError(t, err)
	p, err := m.Proposer()
	require.NoError(t, err)
	assert.Equal(t, proposer.ModeAssisted, p.Mode())
}

func TestBuildPolicy_MissingWasmModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	doc := "version: 1.0.0\nagent_id: a\npolicy:\n  type: wasm\n  module: missing.wasm\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m, err := config.LoadManifest(path)
	require.NoError(t, err)
	_, _, err = m.BuildPolicy(context.Background())
	assert.Error(t, err)
}
