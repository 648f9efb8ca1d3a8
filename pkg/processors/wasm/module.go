package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// Exports every processor module must provide.
const (
	ExportMalloc  = "malloc"
	ExportFree    = "free"
	ExportProcess = "process"
	ExportMemory  = "memory"
)

// ErrMissingExport is returned when a module lacks a required export.
var ErrMissingExport = errors.New("missing export")

// Config configures how a module is compiled and called.
type Config struct {
	// Timeout bounds one call. Zero means no limit beyond the caller's context.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32
}

// DefaultMemoryLimitPages is used when Config.MemoryLimitPages is zero.
const DefaultMemoryLimitPages = 256

// request is the JSON document passed to process.
type request struct {
	Input  any            `json:"input"`
	Params map[string]any `json:"params,omitempty"`
}

// response is the JSON document process returns.
type response struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Module is a compiled processor module. Each Process call runs in a fresh
// instance, so calls are isolated and may run concurrently.
type Module struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   *telemetry.Logger
}

// Compile compiles binary and checks its exports.
func Compile(ctx context.Context, name string, binary []byte, cfg Config, logger *telemetry.Logger) (*Module, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, binary)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	if err := checkExports(compiled); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &Module{
		name:     name,
		runtime:  runtime,
		compiled: compiled,
		timeout:  cfg.Timeout,
		logger:   logger.NewComponentLogger("wasm").WithField("module", name),
	}, nil
}

// CompileFile compiles the module at path. The algorithm name is the file
// name without its extension.
func CompileFile(ctx context.Context, path string, cfg Config, logger *telemetry.Logger) (*Module, error) {
	binary, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Compile(ctx, name, binary, cfg, logger)
}

func checkExports(compiled wazero.CompiledModule) error {
	funcs := compiled.ExportedFunctions()
	for _, name := range []string{ExportMalloc, ExportFree, ExportProcess} {
		if _, ok := funcs[name]; !ok {
			return fmt.Errorf("%w %q", ErrMissingExport, name)
		}
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return fmt.Errorf("%w %q", ErrMissingExport, ExportMemory)
	}
	return nil
}

// Name returns the algorithm name the module is registered under.
func (m *Module) Name() string {
	return m.name
}

// Process implements engine.Processor. The input and params are sent as a
// JSON request; an "error" in the response becomes the returned error.
func (m *Module) Process(ctx context.Context, input any, params graph.Params) (any, error) {
	req := request{Input: input}
	if len(params) > 0 {
		req.Params = make(map[string]any, len(params))
		for k, v := range params {
			req.Params[k] = v.Interface()
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := m.call(ctx, payload)
	if err != nil {
		m.logger.WithError(err).Debug("wasm call failed")
		return nil, err
	}
	m.logger.Tracef("wasm call took %s", time.Since(start))

	var resp response
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("%s returned invalid JSON: %w", m.name, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", m.name, resp.Error)
	}
	return resp.Output, nil
}

// call instantiates the module and runs process(ptr, len) -> (ptr<<32 | len).
func (m *Module) call(ctx context.Context, input []byte) ([]byte, error) {
	inst, err := m.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s: %w", m.name, err)
	}
	defer inst.Close(ctx)

	b := &bridge{
		memory:  inst.Memory(),
		malloc:  inst.ExportedFunction(ExportMalloc),
		free:    inst.ExportedFunction(ExportFree),
		process: inst.ExportedFunction(ExportProcess),
	}
	return b.invoke(ctx, input)
}

// Close releases the runtime and everything compiled in it.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

type bridge struct {
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	process api.Function
}

func (b *bridge) invoke(ctx context.Context, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, errors.New("failed to write input to module memory")
		}
	}

	results, err := b.process.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("process call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("process returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, errors.New("output out of module memory range")
	}
	// Read returns a view into linear memory.
	output := append([]byte(nil), view...)
	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, errors.New("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
