package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openibank/openibank-sub002/pkg/crypto"
	"github.com/openibank/openibank-sub002/pkg/schema"
)

type verifyReport struct {
	CommitmentID string `json:"commitment_id"`
	SignerID     string `json:"signer_id"`
	Verified     bool   `json:"verified"`
	Reason       string `json:"reason,omitempty"`
}

// runVerifyCmd implements `openibank verify`.
//
// The commitment must pass the wire schema before its signature is checked
// against the canonical proposal bytes.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		commitmentPath string
		publicKey      string
		jsonOutput     bool
	)

	cmd.StringVar(&commitmentPath, "commitment", "", "Path to a signed commitment JSON file (REQUIRED)")
	cmd.StringVar(&publicKey, "public-key", "", "Hex Ed25519 public key of the signer (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if commitmentPath == "" || publicKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --commitment and --public-key are required")
		return 2
	}

	raw, err := os.ReadFile(commitmentPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	sc, err := schema.DecodeCommitment(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := verifyReport{CommitmentID: sc.CommitmentID, SignerID: sc.SignerID, Verified: true}
	if err := crypto.VerifyCommitment(strings.TrimSpace(publicKey), sc); err != nil {
		report.Verified = false
		report.Reason = err.Error()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "✅ commitment %s verified (signer %s)\n", report.CommitmentID, report.SignerID)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ commitment %s FAILED: %s\n", report.CommitmentID, report.Reason)
	}

	if !report.Verified {
		return 1
	}
	return 0
}
