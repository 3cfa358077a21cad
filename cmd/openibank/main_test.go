package main

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub002/pkg/capabilities"
	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/store"
)

const testManifest = `version: "1.0.0"
agent_id: buyer-1
role: buyer
mode: deterministic
asset: IUSD
trace_max_entries: 256
capabilities:
  - payment.initiate
contracts:
  - name: retail
    max_spend: 1000
    allowed_assets: [IUSD]
policy:
  type: counterparty
  deny: [mallory]
`

const testRequests = `{"kind":"payment","payment":{"seller":"acme","service_description":"api","price":100}}
{"kind":"payment","payment":{"seller":"acme","service_description":"gpu","price":5000}}

{"kind":"payment","payment":{"seller":"mallory","price":10}}
{"kind":"payment","payment":{"seller":"acme","price":-1}}
{"kind":"invoice","invoice":{"buyer":"acme","service_name":"audit","price":20}}
`

// isolate clears host collaborators so a developer's environment cannot
// leak into a test run.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "REDIS_ADDR", "OPENIBANK_SQLITE_PATH", "OPENIBANK_ARCHIVE_BUCKET",
		"OPENIBANK_OTEL_ENABLED", "OPENIBANK_BUS_BUFFER", "OPENIBANK_BUS_RATE",
		"OPENIBANK_KERNEL_MANIFEST",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("OPENIBANK_LOG_LEVEL", "ERROR")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type runOutput struct {
	lines   []lineResult
	summary runSummary
}

func parseRun(t *testing.T, out string) runOutput {
	t.Helper()
	var res runOutput
	var raw []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		raw = append(raw, sc.Text())
	}
	require.NotEmpty(t, raw)
	for _, l := range raw[:len(raw)-1] {
		var lr lineResult
		require.NoError(t, json.Unmarshal([]byte(l), &lr))
		res.lines = append(res.lines, lr)
	}
	require.NoError(t, json.Unmarshal([]byte(raw[len(raw)-1]), &res.summary))
	return res
}

func TestRun_Dispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"openibank"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "USAGE")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"openibank", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "keygen")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"openibank", "version"}, &stdout, &stderr))
	assert.Equal(t, version+"\n", stdout.String())

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"openibank", "settle"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: settle")
}

func TestRun_RequiredFlags(t *testing.T) {
	for _, cmd := range []string{"run", "verify", "replay"} {
		var stdout, stderr bytes.Buffer
		assert.Equal(t, 2, Run([]string{"openibank", cmd}, &stdout, &stderr), cmd)
		assert.Contains(t, stderr.String(), "required", cmd)
	}
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, Run([]string{"openibank", "keygen", "--agent", "a-1"}, &stdout, &stderr))
	var fresh keygenOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &fresh))
	assert.Equal(t, "a-1", fresh.KeyID)
	assert.Len(t, fresh.PublicKey, 64)
	assert.Len(t, fresh.Seed, 64)
	assert.False(t, fresh.Derived)

	seedFile := writeFile(t, dir, "master.seed", strings.Repeat("ab", 32)+"\n")
	derive := func(agent string) keygenOutput {
		stdout.Reset()
		require.Equal(t, 0, Run([]string{"openibank", "keygen", "--agent", agent, "--master-seed-file", seedFile}, &stdout, &stderr))
		var out keygenOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
		return out
	}
	a1, again, a2 := derive("a-1"), derive("a-1"), derive("a-2")
	assert.True(t, a1.Derived)
	assert.Empty(t, a1.Seed)
	assert.Equal(t, a1.PublicKey, again.PublicKey)
	assert.NotEqual(t, a1.PublicKey, a2.PublicKey)

	bad := writeFile(t, dir, "short.seed", "abcd")
	assert.Equal(t, 2, Run([]string{"openibank", "keygen", "--master-seed-file", bad}, &stdout, &stderr))
}

func TestRunVerifyReplay_EndToEnd(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	sqlitePath := filepath.Join(dir, "traces.db")
	archiveDir := filepath.Join(dir, "archive")
	t.Setenv("OPENIBANK_SQLITE_PATH", sqlitePath)
	t.Setenv("OPENIBANK_ARCHIVE_BUCKET", archiveDir)

	manifest := writeFile(t, dir, "kernel.yaml", testManifest)
	requests := writeFile(t, dir, "requests.jsonl", testRequests)
	seed := writeFile(t, dir, "master.seed", strings.Repeat("42", 32))

	run := func(name string) (int, runOutput) {
		var stdout, stderr bytes.Buffer
		code := Run([]string{"openibank", "run",
			"--manifest", manifest,
			"--requests", requests,
			"--seed-file", seed,
			"--active-commitment", "escrow-1",
			"--trace-out", filepath.Join(dir, name+".trace.json"),
			"--commitments-out", filepath.Join(dir, name+".commitments.jsonl"),
		}, &stdout, &stderr)
		return code, parseRun(t, stdout.String())
	}

	code, out := run("a")
	require.Equal(t, 1, code, "a malformed line fails the run")

	require.Len(t, out.lines, 5)
	assert.NotEmpty(t, out.lines[0].CommitmentID)
	assert.Equal(t, "gate_rejected", out.lines[1].ErrorKind)
	assert.Equal(t, 4, out.lines[2].Line, "blank lines keep numbering")
	assert.Equal(t, "policy_denied", out.lines[2].ErrorKind)
	assert.Equal(t, "invalid_request", out.lines[3].ErrorKind)
	assert.Equal(t, "gate_rejected", out.lines[4].ErrorKind, "no invoice.issue capability")

	s := out.summary
	assert.Equal(t, "buyer-1", s.AgentID)
	assert.Equal(t, 5, s.Processed)
	assert.Equal(t, 1, s.Committed)
	assert.Equal(t, 3, s.Rejected)
	assert.Equal(t, 1, s.Invalid)
	assert.NotEmpty(t, s.TraceHash)
	require.True(t, strings.HasPrefix(s.ArchiveDigest, "sha256:"))
	assert.FileExists(t, filepath.Join(archiveDir, strings.TrimPrefix(s.ArchiveDigest, "sha256:")+".json"))

	// the drained trace landed in SQLite
	ts, err := store.OpenSQLiteTraceStore(sqlitePath)
	require.NoError(t, err)
	doc, err := ts.Load(t.Context(), "buyer-1")
	require.NoError(t, err)
	require.NoError(t, ts.Close())
	assert.NotEmpty(t, doc.Events)

	// verify the signed commitment
	commitments, err := os.ReadFile(filepath.Join(dir, "a.commitments.jsonl"))
	require.NoError(t, err)
	first, _, _ := strings.Cut(string(commitments), "\n")
	commitmentPath := writeFile(t, dir, "c.json", first)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"openibank", "verify", "--commitment", commitmentPath, "--public-key", s.PublicKey}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "verified")

	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	stdout.Reset()
	assert.Equal(t, 1, Run([]string{"openibank", "verify", "--json", "--commitment", commitmentPath, "--public-key", hex.EncodeToString(other)}, &stdout, &stderr))
	var vr verifyReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &vr))
	assert.False(t, vr.Verified)

	// a second identical run replays the first
	code, again := run("b")
	require.Equal(t, 1, code)
	assert.Equal(t, s.PublicKey, again.summary.PublicKey, "derived key is stable")
	assert.Equal(t, s.TraceHash, again.summary.TraceHash)
	assert.Equal(t, out.lines[0].CommitmentID, again.lines[0].CommitmentID)

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"openibank", "replay",
		"--a", filepath.Join(dir, "a.trace.json"),
		"--b", filepath.Join(dir, "b.trace.json"),
	}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "replay-equal")
}

func TestReplay_Diverges(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	manifest := writeFile(t, dir, "kernel.yaml", testManifest)

	trace := func(name, requests string) string {
		path := filepath.Join(dir, name+".trace.json")
		var stdout, stderr bytes.Buffer
		code := Run([]string{"openibank", "run",
			"--manifest", manifest,
			"--requests", writeFile(t, dir, name+".jsonl", requests),
			"--trace-out", path,
		}, &stdout, &stderr)
		require.Equal(t, 0, code, stderr.String())
		return path
	}
	a := trace("a", `{"kind":"payment","payment":{"seller":"acme","price":100}}`+"\n")
	b := trace("b", `{"kind":"payment","payment":{"seller":"acme","price":200}}`+"\n")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"openibank", "replay", "--json", "--a", a, "--b", b}, &stdout, &stderr))
	var rep replayReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))
	assert.False(t, rep.Replayable)
	require.NotNil(t, rep.DivergesAt)
	assert.Equal(t, 0, *rep.DivergesAt)
	assert.NotEqual(t, rep.HashA, rep.HashB)

	bad := writeFile(t, dir, "bad.json", `{"agent_id":"x","events":[{"stage":"nope"}]}`)
	assert.Equal(t, 2, Run([]string{"openibank", "replay", "--a", a, "--b", bad}, &stdout, &stderr))
}

func TestRun_AttestationAndActiveCommitment(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	manifest := writeFile(t, dir, "kernel.yaml", testManifest)
	requests := writeFile(t, dir, "r.jsonl",
		`{"kind":"invoice","invoice":{"buyer":"acme","service_name":"audit","price":20}}`+"\n")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	token, err := capabilities.NewIssuer(priv, nil).Issue("buyer-1",
		[]contracts.Capability{contracts.CapabilityInvoiceIssue}, time.Hour)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"openibank", "run",
		"--manifest", manifest,
		"--requests", requests,
		"--attestation", token,
		"--host-public-key", hex.EncodeToString(pub),
		"--active-commitment", "escrow-7",
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	out := parseRun(t, stdout.String())
	require.Len(t, out.lines, 1)
	assert.NotEmpty(t, out.lines[0].CommitmentID)
	assert.Equal(t, 1, out.summary.Committed)

	// a token for another agent attests nothing and aborts the run
	wrong, err := capabilities.NewIssuer(priv, nil).Issue("seller-9",
		[]contracts.Capability{contracts.CapabilityInvoiceIssue}, time.Hour)
	require.NoError(t, err)
	stdout.Reset()
	stderr.Reset()
	code = Run([]string{"openibank", "run",
		"--manifest", manifest,
		"--requests", requests,
		"--attestation", wrong,
		"--host-public-key", hex.EncodeToString(pub),
	}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Error:")

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"openibank", "run", "--requests", requests, "--attestation", token}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "--host-public-key")
}
