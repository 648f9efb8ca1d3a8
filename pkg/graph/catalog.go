package graph

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is a registry of graphs keyed by id. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*Graph)}
}

// Register adds a graph. Registering an id twice returns ErrDuplicateGraph.
func (c *Catalog) Register(g *Graph) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("graph: %w", ErrEmptyID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.graphs[g.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGraph, g.ID)
	}
	c.graphs[g.ID] = g
	return nil
}

// Get returns the graph with the given id.
func (c *Catalog) Get(id string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[id]
	return g, ok
}

// Remove deletes a graph. Removing an unknown id is a no-op.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.graphs, id)
}

// IDs returns the registered graph ids in sorted order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.graphs))
	for id := range c.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
