package morph

import (
	"strings"

	"github.com/normanking/cortexlipsync/internal/viseme"
)

// State distinguishes "never ran" from "ran and found nothing".
type State int

const (
	NotAttempted State = iota
	NoMatch
	Matched
)

func (s State) String() string {
	switch s {
	case NoMatch:
		return "no-match"
	case Matched:
		return "matched"
	default:
		return "not-attempted"
	}
}

// DetectionResult is the chosen renderer and its viseme mapping. The zero
// value is NotAttempted.
type DetectionResult struct {
	State        State          `json:"state" yaml:"state"`
	Mapping      viseme.Mapping `json:"mapping" yaml:"mapping"`
	TargetPath   string         `json:"target_path" yaml:"target_path"`
	MatchedCount int            `json:"matched_count" yaml:"matched_count"`
	Score        int            `json:"score" yaml:"score"`
	// Node is the hierarchy index of the renderer, or -1.
	Node int `json:"-" yaml:"-"`
}

// Valid reports whether at least one viseme was mapped.
func (r DetectionResult) Valid() bool {
	return r.MatchedCount > 0
}

// ManualResult wraps a user-supplied mapping as a result.
func ManualResult(mapping viseme.Mapping, targetPath string, node int) DetectionResult {
	m := viseme.Mapping{}
	for _, v := range viseme.Voiced {
		if name, ok := mapping[v]; ok {
			m.Set(v, name)
		}
	}
	state := NoMatch
	if len(m) > 0 {
		state = Matched
	}
	return DetectionResult{
		State:        state,
		Mapping:      m,
		TargetPath:   targetPath,
		MatchedCount: len(m),
		Node:         node,
	}
}

// Candidate is the evaluation of one renderer.
type Candidate struct {
	Node         int
	Path         string
	Mapping      viseme.Mapping
	MatchedCount int
	Score        int
}

// Detector scores renderers against the alias tables.
type Detector struct {
	prefix       string
	faceKeywords []string
}

// NewDetector creates a detector. A nil keyword list selects
// DefaultFaceKeywords.
func NewDetector(prefix string, faceKeywords []string) *Detector {
	if faceKeywords == nil {
		faceKeywords = DefaultFaceKeywords
	}
	lowered := make([]string, 0, len(faceKeywords))
	for _, k := range faceKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Detector{prefix: prefix, faceKeywords: lowered}
}

// Candidates evaluates every renderer in traversal order.
func (d *Detector) Candidates(h *Hierarchy) []Candidate {
	var out []Candidate
	for _, idx := range h.Renderers() {
		out = append(out, d.evaluate(h.Node(idx), idx))
	}
	return out
}

// Detect picks the highest scoring renderer with at least one matched
// viseme. Ties go to the earlier renderer. With no match the result is
// NoMatch and the caller should fall back to a manual mapping.
func (d *Detector) Detect(h *Hierarchy) DetectionResult {
	result := DetectionResult{State: NoMatch, Mapping: viseme.Mapping{}, Node: -1}

	var best *Candidate
	for _, c := range d.Candidates(h) {
		if c.MatchedCount == 0 {
			continue
		}
		if best == nil || c.Score > best.Score {
			best = &c
		}
	}
	if best == nil {
		return result
	}

	return DetectionResult{
		State:        Matched,
		Mapping:      best.Mapping,
		TargetPath:   best.Path,
		MatchedCount: best.MatchedCount,
		Score:        best.Score,
		Node:         best.Node,
	}
}

func (d *Detector) evaluate(n Node, idx int) Candidate {
	mapping := viseme.Mapping{}
	for _, v := range viseme.Voiced {
		if raw, ok := matchAliases(n.MorphTargets, Aliases[v]); ok {
			mapping.Set(v, d.normalize(raw))
		}
	}

	matched := len(mapping)
	score := scorePerViseme * matched
	if matched == len(viseme.Voiced) {
		score += scoreAllMatched
	}
	if d.isFaceNode(n.Name) {
		score += scoreFaceKeyword
	}
	score += max(0, depthBonusBase-n.Depth)

	return Candidate{
		Node:         idx,
		Path:         n.Path,
		Mapping:      mapping,
		MatchedCount: matched,
		Score:        score,
	}
}

// Manual wraps a user-supplied mapping like ManualResult, with target names
// normalized to the output namespace the same way detected names are.
func (d *Detector) Manual(mapping viseme.Mapping, targetPath string, node int) DetectionResult {
	normalized := make(viseme.Mapping, len(mapping))
	for v, name := range mapping {
		if name != "" {
			normalized[v] = d.normalize(name)
		}
	}
	return ManualResult(normalized, targetPath, node)
}

func (d *Detector) normalize(raw string) string {
	if strings.HasPrefix(raw, d.prefix) {
		return raw
	}
	return d.prefix + raw
}

func (d *Detector) isFaceNode(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range d.faceKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// matchAliases runs the three stages in order; within a stage aliases are
// tried in priority order and names in declaration order.
func matchAliases(names, aliases []string) (string, bool) {
	for _, alias := range aliases {
		for _, name := range names {
			if strings.EqualFold(name, alias) {
				return name, true
			}
		}
	}

	for _, alias := range aliases {
		lowerAlias := strings.ToLower(alias)
		for _, name := range names {
			lowerName := strings.ToLower(name)
			for _, sep := range separators {
				if strings.HasSuffix(lowerName, sep+lowerAlias) {
					return name, true
				}
			}
		}
	}

	for _, alias := range aliases {
		lowerAlias := strings.ToLower(alias)
		for _, name := range names {
			if strings.Contains(strings.ToLower(name), lowerAlias) {
				return name, true
			}
		}
	}

	return "", false
}
