// Package datamodel holds the in-memory TR-069 parameter tree of a simulated
// CPE and the loaders that seed it from fixture files.
package datamodel

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownParameter is returned when a path that must exist is absent.
// A well-formed ACS only addresses paths the device advertised, so callers
// treat it as a model inconsistency rather than a protocol fault.
var ErrUnknownParameter = errors.New("unknown parameter")

// Model roots tried, in order, when a parameter may live under either the
// TR-181 or the TR-098 data model.
const (
	RootDevice  = "Device."
	RootGateway = "InternetGatewayDevice."
)

// Roots lists the model roots in lookup precedence.
var Roots = []string{RootDevice, RootGateway}

// Parameter is a single node of the data model.
type Parameter struct {
	Writable bool
	Value    string
	Type     string
}

// IsObject reports whether path names an object (or object instance)
// rather than a leaf parameter.
func IsObject(path string) bool {
	return strings.HasSuffix(path, ".")
}

// isPrivate reports whether a key is engine bookkeeping rather than an
// addressable parameter.
func isPrivate(path string) bool {
	return strings.HasPrefix(path, "_")
}

// Tree is the device parameter tree keyed by dot-delimited path.
//
// Only the session engine mutates a Tree, but status readers may observe it
// concurrently, so access is guarded by an RWMutex.
type Tree struct {
	mu     sync.RWMutex
	params map[string]Parameter

	// sorted caches the ordered addressable paths. It is dropped on any
	// structural mutation and rebuilt on the next read.
	sorted []string
}

// NewTree creates a tree seeded with params. The map is copied.
func NewTree(params map[string]Parameter) *Tree {
	t := &Tree{params: make(map[string]Parameter, len(params))}
	for path, p := range params {
		t.params[path] = p
	}
	return t
}

// Get returns the parameter at path.
func (t *Tree) Get(path string) (Parameter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.params[path]
	return p, ok
}

// Has reports whether path exists.
func (t *Tree) Has(path string) bool {
	_, ok := t.Get(path)
	return ok
}

// Len returns the number of stored paths, private keys included.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.params)
}

// Set overwrites the value and type of an existing parameter. Paths are
// never created implicitly; they must come from the seed or from
// instance creation.
func (t *Tree) Set(path, value, typ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.params[path]
	if !ok {
		return fmt.Errorf("set %s: %w", path, ErrUnknownParameter)
	}
	p.Value = value
	p.Type = typ
	t.params[path] = p
	return nil
}

// SetValue overwrites the value of an existing parameter, keeping its type.
func (t *Tree) SetValue(path, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.params[path]
	if !ok {
		return fmt.Errorf("set %s: %w", path, ErrUnknownParameter)
	}
	p.Value = value
	t.params[path] = p
	return nil
}

// Add registers path if it does not exist yet and reports whether it was
// created. Existing entries are left untouched.
func (t *Tree) Add(path string, p Parameter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.params[path]; ok {
		return false
	}
	t.params[path] = p
	t.sorted = nil
	return true
}

// NextInstance returns the smallest instance number n >= 1 for which
// objectPath+n+"." does not exist.
func (t *Tree) NextInstance(objectPath string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 1
	for {
		if _, ok := t.params[InstancePath(objectPath, n)]; !ok {
			return n
		}
		n++
	}
}

// CreateInstance allocates objectPath+number+"." as a present, valueless
// writable object and returns the new path.
func (t *Tree) CreateInstance(objectPath string, number int) string {
	path := InstancePath(objectPath, number)
	t.Add(path, Parameter{Writable: true})
	return path
}

// InstancePath builds the path of instance number n of objectPath.
func InstancePath(objectPath string, n int) string {
	return objectPath + strconv.Itoa(n) + "."
}

// DeletePrefix removes every path starting with prefix and returns how many
// entries were removed. Deleting an absent prefix is a no-op.
func (t *Tree) DeletePrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for path := range t.params {
		if strings.HasPrefix(path, prefix) {
			delete(t.params, path)
			removed++
		}
	}
	t.sorted = nil
	return removed
}

// SortedPaths returns every addressable path in lexicographic order.
// The returned slice is shared with the cache and must not be modified.
func (t *Tree) SortedPaths() []string {
	t.mu.RLock()
	sorted := t.sorted
	t.mu.RUnlock()
	if sorted != nil {
		return sorted
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sorted == nil {
		paths := make([]string, 0, len(t.params))
		for path := range t.params {
			if !isPrivate(path) {
				paths = append(paths, path)
			}
		}
		sort.Strings(paths)
		t.sorted = paths
	}
	return t.sorted
}

// PathsWithPrefix returns the sorted addressable paths that start with
// prefix, using a range scan over the sorted index.
func (t *Tree) PathsWithPrefix(prefix string) []string {
	sorted := t.SortedPaths()
	start := sort.SearchStrings(sorted, prefix)

	var out []string
	for _, path := range sorted[start:] {
		if !strings.HasPrefix(path, prefix) {
			break
		}
		out = append(out, path)
	}
	return out
}

// First returns the first existing path among candidates.
func (t *Tree) First(candidates ...string) (string, Parameter, bool) {
	for _, path := range candidates {
		if p, ok := t.Get(path); ok {
			return path, p, true
		}
	}
	return "", Parameter{}, false
}

// Lookup resolves a root-relative suffix such as
// "DeviceInfo.SerialNumber" under Device. first, then
// InternetGatewayDevice.
func (t *Tree) Lookup(suffix string) (string, Parameter, bool) {
	candidates := make([]string, 0, len(Roots))
	for _, root := range Roots {
		candidates = append(candidates, root+suffix)
	}
	return t.First(candidates...)
}

// Snapshot copies the addressable parameters under prefix.
func (t *Tree) Snapshot(prefix string) map[string]Parameter {
	paths := t.PathsWithPrefix(prefix)

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Parameter, len(paths))
	for _, path := range paths {
		if p, ok := t.params[path]; ok {
			out[path] = p
		}
	}
	return out
}
