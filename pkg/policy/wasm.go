package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// WASMExport is the function a policy module must export:
//
//	decide(kind i32, amount i64) -> i32
//
// kind is 1 payment, 2 invoice, 3 arbitration. A non-zero result allows.
const WASMExport = "decide"

// WASMConfig bounds a sandboxed policy.
type WASMConfig struct {
	MemoryLimitPages uint32        // 64KiB pages, 0 means 16
	Timeout          time.Duration // per evaluation, 0 means 100ms
	Reason           string
	Logger           *slog.Logger
}

// wasmFailure is the deny reason for every sandbox failure. Trap and
// timeout details go to the log, never into the decision.
const wasmFailure = "wasm policy: evaluation failed"

// WASM runs a policy compiled to WebAssembly in a wazero sandbox with no
// host imports: no filesystem, no clock, no network. Each decision runs in a
// fresh instance so no state carries across intents.
type WASM struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      WASMConfig
}

// NewWASM compiles the module and checks the export signature.
func NewWASM(ctx context.Context, wasm []byte, cfg WASMConfig) (*WASM, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm policy: compilation failed: %w", err)
	}

	fn, ok := compiled.ExportedFunctions()[WASMExport]
	if !ok {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm policy: missing export %q", WASMExport)
	}
	params, results := fn.ParamTypes(), fn.ResultTypes()
	if len(params) != 2 || params[0] != api.ValueTypeI32 || params[1] != api.ValueTypeI64 ||
		len(results) != 1 || results[0] != api.ValueTypeI32 {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm policy: %q must be (i32, i64) -> i32", WASMExport)
	}

	return &WASM{runtime: r, compiled: compiled, cfg: cfg}, nil
}

// Decide implements Policy. Any sandbox failure denies with the same
// reason, so replays agree even when one run times out.
func (p *WASM) Decide(intent *contracts.Intent) Decision {
	if intent == nil {
		return Deny("no intent")
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	// Anonymous instance; the runtime allows any number of them.
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		p.cfg.Logger.Warn("wasm policy instantiation failed", "error", err)
		return Deny(wasmFailure)
	}
	defer func() { _ = mod.Close(ctx) }()

	amount, _ := intent.Request.Price()
	out, err := mod.ExportedFunction(WASMExport).Call(ctx,
		api.EncodeI32(kindCode(intent.Request.Kind)),
		api.EncodeI64(amount))
	if err != nil {
		p.cfg.Logger.Warn("wasm policy evaluation failed", "kind", intent.Request.Kind, "error", err)
		return Deny(wasmFailure)
	}
	if api.DecodeI32(out[0]) != 0 {
		return Allow()
	}
	if p.cfg.Reason != "" {
		return Deny(p.cfg.Reason)
	}
	return Deny("denied by wasm policy")
}

// Close releases the runtime.
func (p *WASM) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
