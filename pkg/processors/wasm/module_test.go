package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/processors"
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, content []byte) []byte {
	return append(append([]byte{id}, uleb(uint32(len(content)))...), content...)
}

func exportName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

// fixedModule assembles a processor whose process ignores its request and
// answers with response, stored in a data segment at offset 2048.
func fixedModule(response string) []byte {
	const dataOffset = 2048

	types := []byte{3,
		0x60, 1, 0x7f, 1, 0x7f, // malloc
		0x60, 1, 0x7f, 0, // free
		0x60, 2, 0x7f, 0x7f, 1, 0x7e, // process
	}
	funcs := []byte{3, 0, 1, 2}
	memory := []byte{1, 0, 1}

	var exports []byte
	exports = append(exports, 4)
	exports = append(append(exports, exportName(ExportMalloc)...), 0, 0)
	exports = append(append(exports, exportName(ExportFree)...), 0, 1)
	exports = append(append(exports, exportName(ExportProcess)...), 0, 2)
	exports = append(append(exports, exportName(ExportMemory)...), 2, 0)

	malloc := append(append([]byte{0, 0x41}, sleb(1024)...), 0x0b)
	free := []byte{0, 0x0b}
	packed := int64(dataOffset)<<32 | int64(len(response))
	process := append(append([]byte{0, 0x42}, sleb(packed)...), 0x0b)

	var code []byte
	code = append(code, 3)
	for _, body := range [][]byte{malloc, free, process} {
		code = append(append(code, uleb(uint32(len(body)))...), body...)
	}

	data := append([]byte{1, 0, 0x41}, sleb(dataOffset)...)
	data = append(data, 0x0b)
	data = append(append(data, uleb(uint32(len(response)))...), response...)

	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, section(1, types)...)
	bin = append(bin, section(3, funcs)...)
	bin = append(bin, section(5, memory)...)
	bin = append(bin, section(7, exports)...)
	bin = append(bin, section(10, code)...)
	bin = append(bin, section(11, data)...)
	return bin
}

func TestModuleProcess(t *testing.T) {
	ctx := context.Background()

	m, err := Compile(ctx, "edges", fixedModule(`{"output":{"edges":42}}`), Config{Timeout: time.Second}, nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	assert.Equal(t, "edges", m.Name())

	out, err := m.Process(ctx, map[string]any{"frame": 7}, graph.Params{"sigma": graph.Number(1.4)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"edges": 42.0}, out)

	// Every call gets a fresh instance.
	out, err = m.Process(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"edges": 42.0}, out)
}

func TestModuleProcess_ErrorResponse(t *testing.T) {
	ctx := context.Background()

	m, err := Compile(ctx, "blur", fixedModule(`{"error":"frame too small"}`), Config{}, nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	_, err = m.Process(ctx, 1.0, nil)
	assert.EqualError(t, err, "blur: frame too small")

	bad, err := Compile(ctx, "garbled", fixedModule(`not json`), Config{}, nil)
	require.NoError(t, err)
	defer bad.Close(ctx)

	_, err = bad.Process(ctx, 1.0, nil)
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestCompile_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Compile(ctx, "junk", []byte("not wasm"), Config{}, nil)
	assert.ErrorContains(t, err, "failed to compile junk")

	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err = Compile(ctx, "empty", empty, Config{}, nil)
	assert.ErrorIs(t, err, ErrMissingExport)

	_, err = CompileFile(ctx, filepath.Join(t.TempDir(), "missing.wasm"), Config{}, nil)
	assert.Error(t, err)
}

func TestHost(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detect.wasm"), fixedModule(`{"output":true}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "more"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "more", "count.wasm"), fixedModule(`{"output":3}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	h := NewHost(Config{}, nil)
	defer h.Close(ctx)

	require.NoError(t, h.LoadPaths(ctx, dir))
	assert.Equal(t, []string{"count", "detect"}, h.Names())

	err := h.Load(ctx, "detect", fixedModule(`{"output":false}`))
	assert.ErrorContains(t, err, "already loaded")

	m, ok := h.Get("count")
	require.True(t, ok)
	out, err := m.Process(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)

	r := engine.NewMapRegistry()
	h.Register(r)
	assert.Equal(t, []string{"count", "detect"}, r.Names())

	require.NoError(t, h.Close(ctx))
	assert.Empty(t, h.Names())
}

func TestHost_PipelineThroughEngine(t *testing.T) {
	ctx := context.Background()

	h := NewHost(Config{Timeout: time.Second}, nil)
	defer h.Close(ctx)
	require.NoError(t, h.Load(ctx, "measure", fixedModule(`{"output":0.8}`)))

	registry := processors.NewRegistry()
	h.Register(registry)

	g := graph.New("gauge", "Gauge")
	capture := graph.NewNode("capture", graph.NodeKindEntry)
	measure := graph.NewNode("measure", graph.NodeKindPlain)
	measure.AlgorithmType = "measure"
	check := graph.NewNode("check", graph.NodeKindPlain)
	check.AlgorithmType = processors.Threshold
	check.Params["level"] = graph.Number(0.5)
	for _, n := range []*graph.Node{capture, measure, check} {
		require.NoError(t, g.AddNode(n))
	}
	require.NoError(t, g.ConnectNodes("capture", "measure"))
	require.NoError(t, g.ConnectNodes("measure", "check"))

	catalog := graph.NewCatalog()
	require.NoError(t, catalog.Register(g))

	eng, err := engine.New(catalog, engine.Options{Processors: registry})
	require.NoError(t, err)

	res, err := eng.ExecuteWorkflow(ctx, "gauge", "frame-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"value": 0.8, "pass": true}, res.FinalOutput())
}
