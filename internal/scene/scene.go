// Package scene adapts glTF avatars into a morph.Hierarchy.
package scene

import (
	"errors"
	"fmt"

	"github.com/qmuntal/gltf"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/morph"
)

var (
	ErrNoMeshes = errors.New("no meshes in file")
	ErrNoNodes  = errors.New("scene has no nodes")
)

// Avatar is a loaded glTF document and its hierarchy view.
type Avatar struct {
	Path      string
	Document  *gltf.Document
	Hierarchy *morph.Hierarchy
	// GLTFNode maps hierarchy indices to glTF node indices; the synthetic
	// root maps to -1.
	GLTFNode []int
}

// NodeFor returns the glTF node index of a hierarchy node, or -1.
func (a *Avatar) NodeFor(index int) int {
	if index < 0 || index >= len(a.GLTFNode) {
		return -1
	}
	return a.GLTFNode[index]
}

// MorphTargets returns the target names of the hierarchy node at index.
func (a *Avatar) MorphTargets(index int) []string {
	if index < 0 || index >= a.Hierarchy.Len() {
		return nil
	}
	return a.Hierarchy.Node(index).MorphTargets
}

// Loader opens glTF and GLB files.
type Loader struct {
	log zerolog.Logger
}

// NewLoader creates a loader logging through log.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log}
}

// Load opens path and builds the avatar hierarchy.
func (l *Loader) Load(path string) (*Avatar, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}

	a, err := l.FromDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.Path = path

	l.log.Info().
		Str("path", path).
		Int("nodes", a.Hierarchy.Len()-1).
		Int("renderers", len(a.Hierarchy.Renderers())).
		Msg("Avatar loaded")

	return a, nil
}

// FromDocument walks the default scene depth-first. Without scenes every
// parentless node is treated as a root.
func (l *Loader) FromDocument(doc *gltf.Document) (*Avatar, error) {
	if len(doc.Meshes) == 0 {
		return nil, ErrNoMeshes
	}

	rootName := "Scene"
	roots := rootNodes(doc)
	if s := defaultScene(doc); s != nil && s.Name != "" {
		rootName = s.Name
	}
	if len(roots) == 0 {
		return nil, ErrNoNodes
	}

	a := &Avatar{
		Document:  doc,
		Hierarchy: morph.NewHierarchy(rootName),
		GLTFNode:  []int{-1},
	}

	visited := make([]bool, len(doc.Nodes))
	var walk func(parent, nodeIdx int)
	walk = func(parent, nodeIdx int) {
		if nodeIdx < 0 || nodeIdx >= len(doc.Nodes) || visited[nodeIdx] {
			return
		}
		visited[nodeIdx] = true

		node := doc.Nodes[nodeIdx]
		name := node.Name
		if name == "" {
			name = fmt.Sprintf("node_%d", nodeIdx)
		}

		var targets []string
		if node.Mesh != nil && *node.Mesh < len(doc.Meshes) {
			targets = MorphTargetNames(doc.Meshes[*node.Mesh])
		}

		idx := a.Hierarchy.Add(parent, name, targets)
		a.GLTFNode = append(a.GLTFNode, nodeIdx)
		if len(targets) > 0 {
			l.log.Debug().
				Str("node", name).
				Int("targets", len(targets)).
				Msg("Renderer found")
		}

		for _, child := range node.Children {
			walk(idx, child)
		}
	}

	for _, r := range roots {
		walk(a.Hierarchy.Root(), r)
	}
	return a, nil
}

// MorphTargetNames reads extras.targetNames from the mesh, falling back to
// its first primitive. Unnamed targets are called target_N.
func MorphTargetNames(mesh *gltf.Mesh) []string {
	if mesh == nil {
		return nil
	}
	count := 0
	if len(mesh.Primitives) > 0 {
		count = len(mesh.Primitives[0].Targets)
	}

	names := targetNames(mesh.Extras)
	if names == nil && len(mesh.Primitives) > 0 {
		names = targetNames(mesh.Primitives[0].Extras)
	}

	for i := len(names); i < count; i++ {
		names = append(names, fmt.Sprintf("target_%d", i))
	}
	return names
}

func targetNames(extras any) []string {
	m, ok := extras.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["targetNames"].([]any)
	if !ok {
		if typed, ok := m["targetNames"].([]string); ok {
			return append([]string(nil), typed...)
		}
		return nil
	}
	names := make([]string, 0, len(raw))
	for _, n := range raw {
		if s, ok := n.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func defaultScene(doc *gltf.Document) *gltf.Scene {
	if len(doc.Scenes) == 0 {
		return nil
	}
	if doc.Scene != nil && *doc.Scene < len(doc.Scenes) {
		return doc.Scenes[*doc.Scene]
	}
	return doc.Scenes[0]
}

func rootNodes(doc *gltf.Document) []int {
	if s := defaultScene(doc); s != nil && len(s.Nodes) > 0 {
		return s.Nodes
	}

	isChild := make([]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		for _, c := range n.Children {
			if c >= 0 && c < len(isChild) {
				isChild[c] = true
			}
		}
	}
	var roots []int
	for i := range doc.Nodes {
		if !isChild[i] {
			roots = append(roots, i)
		}
	}
	return roots
}
