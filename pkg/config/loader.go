package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"gopkg.in/yaml.v3"

	"github.com/visionflow/visionflow/pkg/graph"
)

// Load reads a configuration file over Default(). YAML (.yaml, .yml) and
// CUE (.cue) are supported. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".cue":
		parser := NewCUEParser()
		val, err := parser.ParseFile(path)
		if err != nil {
			return nil, err
		}
		if err := parser.Decode(SchemaConfig, path, val, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	resolveGraphPaths(cfg, filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML parses YAML configuration content over Default().
func LoadYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCUE parses inline CUE configuration content over Default().
func LoadCUE(content string) (*Config, error) {
	cfg := Default()
	parser := NewCUEParser()
	val, err := parser.ParseInline(content)
	if err != nil {
		return nil, err
	}
	if err := parser.Decode(SchemaConfig, "inline", val, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// resolveGraphPaths makes relative graph, policy and processor paths
// relative to the config file.
func resolveGraphPaths(cfg *Config, dir string) {
	for _, paths := range [][]string{cfg.Graphs, cfg.Policies.Paths, cfg.Processors.WASM} {
		for i, p := range paths {
			if !filepath.IsAbs(p) {
				paths[i] = filepath.Join(dir, p)
			}
		}
	}
}

// graphFile is a graph document file: either one document or a list under
// "graphs".
type graphFile struct {
	graph.Document `yaml:",inline"`
	Graphs         []*graph.Document `yaml:"graphs,omitempty"`
}

func (f *graphFile) documents() []*graph.Document {
	if len(f.Graphs) > 0 {
		return f.Graphs
	}
	if f.ID == "" && f.Nodes == nil {
		return nil
	}
	doc := f.Document
	return []*graph.Document{&doc}
}

// LoadGraphs loads graph documents from files and directories into a new
// catalog. Directories are scanned for .yaml, .yml, .json and .cue files.
func LoadGraphs(paths ...string) (*graph.Catalog, error) {
	catalog := graph.NewCatalog()
	var parser *CUEParser

	files, err := expandGraphPaths(paths)
	if err != nil {
		return nil, err
	}

	for _, path := range files {
		var file graphFile
		if strings.EqualFold(filepath.Ext(path), ".cue") {
			if parser == nil {
				parser = NewCUEParser()
			}
			if err := decodeCUEGraphs(parser, path, &file); err != nil {
				return nil, err
			}
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read graph file: %w", err)
			}
			// JSON documents are valid YAML.
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}

		docs := file.documents()
		if len(docs) == 0 {
			return nil, fmt.Errorf("%s: no graph documents", path)
		}
		for _, doc := range docs {
			g, err := graph.FromDocument(doc)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if err := g.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if err := catalog.Register(g); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	return catalog, nil
}

func decodeCUEGraphs(parser *CUEParser, path string, out *graphFile) error {
	val, err := parser.ParseFile(path)
	if err != nil {
		return err
	}

	list := val.LookupPath(cue.ParsePath("graphs"))
	if !list.Exists() {
		return parser.Decode(SchemaGraph, path, val, out)
	}

	iter, err := list.List()
	if err != nil {
		return fmt.Errorf("%s: graphs must be a list: %w", path, err)
	}
	for i := 0; iter.Next(); i++ {
		doc := &graph.Document{}
		if err := parser.Decode(SchemaGraph, fmt.Sprintf("%s graphs[%d]", path, i), iter.Value(), doc); err != nil {
			return err
		}
		out.Graphs = append(out.Graphs, doc)
	}
	return nil
}

func expandGraphPaths(paths []string) ([]string, error) {
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
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml", ".json", ".cue":
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
