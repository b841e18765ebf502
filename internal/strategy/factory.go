package strategy

import (
	"fmt"
	"sort"
	"strings"
)

type entry struct {
	prefix string
	chain  *Chain
}

// Factory maps path prefixes to chains. Resolution picks the longest prefix
// matching on a path segment boundary.
type Factory struct {
	entries []entry
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Register binds prefix to chain.
func (f *Factory) Register(prefix string, chain *Chain) error {
	if chain == nil {
		return fmt.Errorf("nil chain for prefix %q", prefix)
	}
	prefix = "/" + strings.Trim(prefix, "/")
	for _, e := range f.entries {
		if e.prefix == prefix {
			return fmt.Errorf("prefix %q already registered", prefix)
		}
	}
	f.entries = append(f.entries, entry{prefix: prefix, chain: chain})
	sort.SliceStable(f.entries, func(i, j int) bool {
		return len(f.entries[i].prefix) > len(f.entries[j].prefix)
	})
	return nil
}

// Resolve returns the chain bound to the longest prefix of path.
func (f *Factory) Resolve(path string) (*Chain, string, bool) {
	for _, e := range f.entries {
		if matchPrefix(path, e.prefix) {
			return e.chain, e.prefix, true
		}
	}
	return nil, "", false
}

// Prefixes returns the registered prefixes, longest first.
func (f *Factory) Prefixes() []string {
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.prefix
	}
	return out
}

func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
