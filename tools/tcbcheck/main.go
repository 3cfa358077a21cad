// Package main implements the kernel import boundary linter.
//
// The kernel, its gate and everything they sign over must never reach a
// network, a database or a host collaborator directly. This tool parses
// the imports of every non-test file in those packages and fails on any
// forbidden one.
//
// Usage:
//
//	go run ./tools/tcbcheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// tcbPackages are the directories under pkg/ inside the boundary.
var tcbPackages = []string{
	"canonicalize",
	"contracts",
	"crypto",
	"gate",
	"kernel",
	"policy",
	"trace",
}

// forbiddenFragments match import paths a boundary package may not use.
// The LLM client is reached only through the proposer interface.
var forbiddenFragments = []string{
	"/pkg/archive",
	"/pkg/bus",
	"/pkg/config",
	"/pkg/llm",
	"/pkg/observability",
	"/pkg/schema",
	"/pkg/store",
	"database/sql",
	"net/http",
	"os/exec",
	"cloud.google.com/",
	"github.com/aws/",
	"github.com/lib/pq",
	"github.com/redis/",
	"modernc.org/sqlite",
}

// Violation is one forbidden import.
type Violation struct {
	File     string
	Line     int
	Import   string
	Fragment string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Fragment)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tcbcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", ".", "Module root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	violations, err := check(*root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "TCB VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n❌ %d TCB violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "✅ TCB isolation check passed, no forbidden imports in the kernel boundary")
	return 0
}

// check scans the boundary packages below root and returns every forbidden
// import, sorted by file and line.
func check(root string) ([]Violation, error) {
	var violations []Violation
	fset := token.NewFileSet()

	for _, pkg := range tcbPackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("boundary package %s: %w", pkg, err)
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			rel, _ := filepath.Rel(root, path)
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range forbiddenFragments {
					if strings.Contains(importPath, frag) {
						violations = append(violations, Violation{
							File:     filepath.ToSlash(rel),
							Line:     fset.Position(imp.Pos()).Line,
							Import:   importPath,
							Fragment: frag,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].File != violations[j].File {
			return violations[i].File < violations[j].File
		}
		return violations[i].Line < violations[j].Line
	})
	return violations, nil
}
