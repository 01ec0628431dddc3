// Package morph discovers which of an avatar's morph targets drive the vowel
// visemes.
package morph

import "strings"

// NoParent marks the root node.
const NoParent = -1

// Node is one entry of a Hierarchy. Depth and Path are fixed at insertion.
type Node struct {
	Name   string
	Parent int
	// Depth counts nodes from the root to this node inclusive; the root is 1.
	Depth int
	// Path is the slash-joined chain of names below the root; the root's
	// path is empty.
	Path string
	// MorphTargets is non-empty for mesh renderers, in declaration order.
	MorphTargets []string
}

// IsRenderer reports whether the node exposes at least one morph target.
func (n Node) IsRenderer() bool {
	return len(n.MorphTargets) > 0
}

// MorphTargetSet is the engine-agnostic view of one renderer.
type MorphTargetSet struct {
	Path  string   `json:"path" yaml:"path"`
	Names []string `json:"names" yaml:"names"`
}

// Hierarchy is an arena of nodes. Node indices are stable, parents always
// precede their children, and index order is the traversal order.
type Hierarchy struct {
	nodes []Node
}

// NewHierarchy creates a hierarchy with a single root node at index 0.
func NewHierarchy(rootName string) *Hierarchy {
	return &Hierarchy{nodes: []Node{{Name: rootName, Parent: NoParent, Depth: 1}}}
}

// Root returns the root index.
func (h *Hierarchy) Root() int {
	return 0
}

// Add appends a child of parent and returns its index. Passing an invalid
// parent panics, as it indicates a broken adapter.
func (h *Hierarchy) Add(parent int, name string, morphTargets []string) int {
	p := h.nodes[parent]

	path := name
	if p.Parent != NoParent {
		path = p.Path + "/" + name
	}

	names := make([]string, len(morphTargets))
	copy(names, morphTargets)

	h.nodes = append(h.nodes, Node{
		Name:         name,
		Parent:       parent,
		Depth:        p.Depth + 1,
		Path:         path,
		MorphTargets: names,
	})
	return len(h.nodes) - 1
}

// Node returns a copy of the node at index.
func (h *Hierarchy) Node(index int) Node {
	return h.nodes[index]
}

// Len returns the number of nodes including the root.
func (h *Hierarchy) Len() int {
	return len(h.nodes)
}

// Renderers returns the indices of nodes with morph targets in traversal
// order.
func (h *Hierarchy) Renderers() []int {
	var out []int
	for i, n := range h.nodes {
		if n.IsRenderer() {
			out = append(out, i)
		}
	}
	return out
}

// MorphTargetSets extracts the data-only view of every renderer.
func (h *Hierarchy) MorphTargetSets() []MorphTargetSet {
	var out []MorphTargetSet
	for _, i := range h.Renderers() {
		n := h.nodes[i]
		out = append(out, MorphTargetSet{Path: n.Path, Names: append([]string(nil), n.MorphTargets...)})
	}
	return out
}

// Find returns the index of the node at path, or -1.
func (h *Hierarchy) Find(path string) int {
	path = strings.Trim(path, "/")
	for i, n := range h.nodes {
		if n.Path == path {
			return i
		}
	}
	return -1
}
