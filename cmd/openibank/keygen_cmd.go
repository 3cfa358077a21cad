package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openibank/openibank-sub002/pkg/crypto"
)

type keygenOutput struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
	Seed      string `json:"seed,omitempty"`
	Derived   bool   `json:"derived"`
}

// runKeygenCmd implements `openibank keygen`.
//
// With --master-seed-file the agent key is derived and only its public half
// is printed, since the seed file already reproduces it. Otherwise a fresh
// key is generated and its seed is printed once.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID  string
		seedFile string
	)

	cmd.StringVar(&agentID, "agent", "agent-1", "Agent id the key belongs to")
	cmd.StringVar(&seedFile, "master-seed-file", "", "Hex master seed to derive the agent key from")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		signer *crypto.Ed25519Signer
		out    keygenOutput
		err    error
	)
	if seedFile != "" {
		signer, err = signerFromSeedFile(seedFile, agentID)
		out.Derived = true
	} else {
		signer, err = crypto.NewEd25519Signer(agentID)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer signer.Destroy()

	out.KeyID = signer.KeyID()
	out.PublicKey = signer.PublicKey()
	if !out.Derived {
		if out.Seed, err = signer.SeedHex(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	data, _ := json.MarshalIndent(out, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func signerFromSeedFile(path, agentID string) (*crypto.Ed25519Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	seed, err := crypto.ParseSeedHex(string(raw))
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()
	return crypto.DeriveAgentSigner(seed, agentID)
}
