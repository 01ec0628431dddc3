package morph

import "github.com/normanking/cortexlipsync/internal/viseme"

// Aliases lists, per voiced viseme, the morph-target names tried during
// detection in priority order: bare letters, VRChat viseme tokens, then
// hiragana and katakana vowels. It is read-only.
var Aliases = map[viseme.Viseme][]string{
	viseme.A: {"A", "a", "vrc.v_aa", "v_aa", "aa", "あ", "ア"},
	viseme.I: {"I", "i", "vrc.v_ih", "v_ih", "ih", "い", "イ"},
	viseme.U: {"U", "u", "vrc.v_ou", "v_ou", "ou", "う", "ウ"},
	viseme.E: {"E", "e", "vrc.v_e", "v_e", "ee", "え", "エ"},
	viseme.O: {"O", "o", "vrc.v_oh", "v_oh", "oh", "お", "オ"},
}

// DefaultFaceKeywords bias detection toward the facial mesh.
var DefaultFaceKeywords = []string{"face", "head", "kao", "顔"}

// DefaultNamespacePrefix is prepended to matched morph-target names so they
// address the renderer's blend-shape property.
const DefaultNamespacePrefix = "blendShape."

// suffix separators for the second matching stage
var separators = []string{".", "_", "-", " "}

const (
	scorePerViseme   = 10
	scoreAllMatched  = 50
	scoreFaceKeyword = 20
	depthBonusBase   = 10
)
