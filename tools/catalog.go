package tools

import (
	"sort"
	"sync"

	"github.com/nachoal/sqlchat-go/llm"
)

// Catalog holds the tool descriptors advertised by the remote service.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]llm.ToolDescriptor
}

// NewCatalog creates a catalog from descriptors.
func NewCatalog(descs ...llm.ToolDescriptor) *Catalog {
	c := &Catalog{tools: make(map[string]llm.ToolDescriptor)}
	c.Replace(descs)
	return c
}

// Replace swaps the catalog contents, as after a fresh listTools.
func (c *Catalog) Replace(descs []llm.ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools = make(map[string]llm.ToolDescriptor, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			continue
		}
		c.tools[d.Name] = d
	}
}

// List returns the sorted tool names
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors sorted by name.
func (c *Catalog) Descriptors() []llm.ToolDescriptor {
	names := c.List()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.ToolDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, c.tools[n])
	}
	return out
}

// QueryCatalog is the catalog offered to the model: the remote query tool's
// descriptor when advertised, the built-in one otherwise.
func QueryCatalog(remote []llm.ToolDescriptor) []llm.ToolDescriptor {
	for _, d := range remote {
		if d.Name == QueryToolName {
			if len(d.Parameters) == 0 {
				d.Parameters = querySchema
			}
			return []llm.ToolDescriptor{d}
		}
	}
	return []llm.ToolDescriptor{QueryDescriptor()}
}
