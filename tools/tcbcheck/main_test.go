package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ModuleIsClean(t *testing.T) {
	violations, err := check(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func fakeRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for _, pkg := range tcbPackages {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", pkg), 0o750))
	}
	for name, src := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	}
	return root
}

func TestCheck_ReportsForbiddenImports(t *testing.T) {
	root := fakeRoot(t, map[string]string{
		"pkg/kernel/host.go": `package kernel

import (
	"fmt"
	"net/http"

	"example.com/x/pkg/store"
)
`,
		"pkg/gate/gate_test.go":    "package gate\n\nimport _ \"database/sql\"\n",
		"pkg/trace/testdata/x.go":  "package x\n\nimport _ \"net/http\"\n",
		"pkg/policy/cel.go":        "package policy\n\nimport _ \"github.com/google/cel-go/cel\"\n",
		"pkg/archive/allowed.go":   "package archive\n\nimport _ \"github.com/aws/aws-sdk-go-v2/aws\"\n",
		"pkg/crypto/keys/inner.go": "package keys\n\nimport _ \"github.com/redis/go-redis/v9\"\n",
	})

	violations, err := check(root)
	require.NoError(t, err)
	require.Len(t, violations, 3)

	assert.Equal(t, "pkg/crypto/keys/inner.go", violations[0].File)
	assert.Equal(t, "github.com/redis/", violations[0].Fragment)
	assert.Equal(t, Violation{File: "pkg/kernel/host.go", Line: 5, Import: "net/http", Fragment: "net/http"}, violations[1])
	assert.Equal(t, "/pkg/store", violations[2].Fragment)
	assert.Equal(t, 7, violations[2].Line)
}

func TestCheck_MissingPackage(t *testing.T) {
	_, err := check(t.TempDir())
	assert.Error(t, err)
}

func TestRun_ExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"-root", filepath.Join("..", "..")}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "passed")

	root := fakeRoot(t, map[string]string{
		"pkg/trace/bad.go": "package trace\n\nimport _ \"os/exec\"\n",
	})
	stdout.Reset()
	assert.Equal(t, 1, run([]string{"-root", root}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "pkg/trace/bad.go:3")

	assert.Equal(t, 2, run([]string{"-root", filepath.Join(root, "missing")}, &stdout, &stderr))
}
