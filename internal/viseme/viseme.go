// Package viseme classifies sung syllables into the five Japanese vowel mouth
// shapes plus silence.
package viseme

import (
	"fmt"
	"strings"
)

// Viseme is a vowel mouth-shape category.
type Viseme int

const (
	Silence Viseme = iota
	A
	I
	U
	E
	O
)

// Voiced lists the visemes that can be mapped to a morph target, in
// canonical order.
var Voiced = [...]Viseme{A, I, U, E, O}

var visemeNames = map[Viseme]string{
	Silence: "SILENCE",
	A:       "A",
	I:       "I",
	U:       "U",
	E:       "E",
	O:       "O",
}

func (v Viseme) String() string {
	if name, ok := visemeNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Viseme(%d)", int(v))
}

// IsVoiced reports whether v is one of A, I, U, E, O.
func (v Viseme) IsVoiced() bool {
	return v >= A && v <= O
}

// Parse accepts the canonical names case-insensitively.
func Parse(s string) (Viseme, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return A, nil
	case "I":
		return I, nil
	case "U":
		return U, nil
	case "E":
		return E, nil
	case "O":
		return O, nil
	case "SILENCE", "SIL", "N":
		return Silence, nil
	}
	return Silence, fmt.Errorf("unknown viseme %q", s)
}

// MarshalText encodes the viseme by name for YAML/JSON output.
func (v Viseme) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a viseme name.
func (v *Viseme) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Mapping assigns a morph-target name to each voiced viseme. A missing key
// means no target is assigned. Silence is never mapped.
type Mapping map[Viseme]string

// Set assigns a target, ignoring Silence and empty names.
func (m Mapping) Set(v Viseme, target string) {
	if !v.IsVoiced() || target == "" {
		return
	}
	m[v] = target
}

// Targets returns the distinct target names in canonical viseme order.
func (m Mapping) Targets() []string {
	seen := make(map[string]bool, len(m))
	out := make([]string, 0, len(m))
	for _, v := range Voiced {
		name, ok := m[v]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Clone returns an independent copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MappingFromStrings builds a mapping from viseme-name keys, as used in
// configuration files.
func MappingFromStrings(raw map[string]string) (Mapping, error) {
	m := make(Mapping, len(raw))
	for key, target := range raw {
		v, err := Parse(key)
		if err != nil {
			return nil, err
		}
		if !v.IsVoiced() {
			return nil, fmt.Errorf("viseme %s cannot be mapped", v)
		}
		m.Set(v, target)
	}
	return m, nil
}
