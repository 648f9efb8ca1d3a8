// Package wasm runs vision algorithms compiled to WebAssembly as engine
// processors.
//
// A processor module exports linear memory as "memory" and three
// functions:
//
//	malloc(size i32) i32
//	free(ptr i32)
//	process(ptr i32, len i32) i64
//
// process receives a JSON request {"input": ..., "params": {...}} and
// returns the location of a JSON response {"output": ...} or
// {"error": "..."} packed as ptr<<32 | len. The host frees the response
// with free once it has been copied out.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// Host owns a set of compiled processor modules.
type Host struct {
	mu      sync.RWMutex
	modules map[string]*Module
	config  Config
	logger  *telemetry.Logger
}

// NewHost creates an empty host. cfg applies to every module it loads.
func NewHost(cfg Config, logger *telemetry.Logger) *Host {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Host{
		modules: make(map[string]*Module),
		config:  cfg,
		logger:  logger,
	}
}

// Load compiles binary under name.
func (h *Host) Load(ctx context.Context, name string, binary []byte) error {
	m, err := Compile(ctx, name, binary, h.config, h.logger)
	if err != nil {
		return err
	}
	return h.add(ctx, m)
}

// LoadPaths compiles .wasm files and the .wasm files found under
// directories. Each module is named after its file.
func (h *Host) LoadPaths(ctx context.Context, paths ...string) error {
	files, err := wasmFiles(paths)
	if err != nil {
		return err
	}
	for _, path := range files {
		m, err := CompileFile(ctx, path, h.config, h.logger)
		if err != nil {
			return err
		}
		if err := h.add(ctx, m); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		h.logger.WithField("module", m.Name()).WithField("path", path).Info("Loaded wasm processor")
	}
	return nil
}

func (h *Host) add(ctx context.Context, m *Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.modules[m.Name()]; ok {
		m.Close(ctx)
		return fmt.Errorf("wasm processor %q already loaded", m.Name())
	}
	h.modules[m.Name()] = m
	return nil
}

// Get returns the module loaded under name.
func (h *Host) Get(name string) (*Module, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.modules[name]
	return m, ok
}

// Names returns the loaded module names, sorted.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.modules))
	for name := range h.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds every loaded module to r as an algorithm type. A module
// replaces a processor already registered under the same name.
func (h *Host) Register(r *engine.MapRegistry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, m := range h.modules {
		r.Register(name, m)
	}
}

// Close closes every module.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, m := range h.modules {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(h.modules, name)
	}
	return errors.Join(errs...)
}

func wasmFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".wasm") {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
