package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openibank/openibank-sub002/pkg/schema"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

type replayReport struct {
	Replayable bool   `json:"replayable"`
	LenA       int    `json:"len_a"`
	LenB       int    `json:"len_b"`
	HashA      string `json:"hash_a"`
	HashB      string `json:"hash_b"`
	// DivergesAt is the first index whose (stage, message, data) differ,
	// or -1 when only the lengths differ.
	DivergesAt *int `json:"diverges_at,omitempty"`
}

// runReplayCmd implements `openibank replay`: two traces are replay-equal
// when their events agree positionally, timestamps excluded.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		pathA      string
		pathB      string
		jsonOutput bool
	)

	cmd.StringVar(&pathA, "a", "", "Path to the first trace JSON (REQUIRED)")
	cmd.StringVar(&pathB, "b", "", "Path to the second trace JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if pathA == "" || pathB == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --a and --b are required")
		return 2
	}

	a, err := loadTrace(pathA)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	b, err := loadTrace(pathB)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := replayReport{Replayable: a.IsReplayableWith(b), LenA: a.Len(), LenB: b.Len()}
	report.HashA, _ = a.Hash()
	report.HashB, _ = b.Hash()
	if !report.Replayable {
		i := divergence(a.Events(), b.Events())
		report.DivergesAt = &i
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Replayable {
		_, _ = fmt.Fprintf(stdout, "✅ traces are replay-equal (%d events, %s)\n", report.LenA, report.HashA)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ traces diverge at event %d (len %d vs %d)\n", *report.DivergesAt, report.LenA, report.LenB)
	}

	if !report.Replayable {
		return 1
	}
	return 0
}

func loadTrace(path string) (*trace.Trace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := schema.DecodeTrace(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func divergence(a, b []trace.Event) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if !a[i].SameAs(b[i]) {
			return i
		}
	}
	return -1
}
