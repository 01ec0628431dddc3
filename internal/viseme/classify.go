package viseme

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// pauseTokens are rest, breath and glottal-stop phonemes emitted by UTAU
// style phonemizers.
var pauseTokens = map[string]bool{
	"pau": true,
	"sil": true,
	"sp":  true,
	"br":  true,
	"cl":  true,
}

// phonemeTable is keyed on the final rune of a phoneme cluster.
var phonemeTable = map[rune]Viseme{
	'a': A,
	'i': I,
	'u': U,
	'ɯ': U,
	'e': E,
	'o': O,
	'N': Silence,
	'n': Silence,
	'm': Silence,
	'j': Silence,
}

// containment fallback, checked in order
var phonemeFallback = []struct {
	letter string
	viseme Viseme
}{
	{"a", A},
	{"i", I},
	{"u", U},
	{"e", E},
	{"o", O},
	{"n", Silence},
}

// kanaRows lists the syllabary by vowel: plain, voiced, semi-voiced and
// small forms, hiragana then katakana.
var kanaRows = map[Viseme]string{
	A: "あかがさざただなはばぱまやらわぁゃゎ" + "アカガサザタダナハバパマヤラワァャヮヵヷ",
	I: "いきぎしじちぢにひびぴみりゐぃ" + "イキギシジチヂニヒビピミリヰィヸ",
	U: "うくぐすずつづぬふぶぷむゆるぅゅゔ" + "ウクグスズツヅヌフブプムユルゥュヴ",
	E: "えけげせぜてでねへべぺめれゑぇ" + "エケゲセゼテデネヘベペメレヱェヶヹ",
	O: "おこごそぞとどのほぼぽもよろをぉょ" + "オコゴソゾトドノホボポモヨロヲォョヺ",
	// moraic nasal and geminate mark
	Silence: "んっ" + "ンッ",
}

var textTable = buildTextTable()

func buildTextTable() map[rune]Viseme {
	table := make(map[rune]Viseme)
	for v, row := range kanaRows {
		for _, r := range row {
			table[r] = v
		}
	}
	// romaji lyrics
	for _, p := range phonemeFallback[:5] {
		r, _ := utf8.DecodeRuneInString(p.letter)
		table[r] = p.viseme
	}
	return table
}

// Classify picks a viseme for one syllable. A non-empty phoneme takes
// precedence; otherwise the lyric text is used.
func Classify(phoneme, text string) Viseme {
	if p := strings.TrimSpace(phoneme); p != "" {
		return classifyPhoneme(p)
	}
	return classifyText(text)
}

func classifyPhoneme(phoneme string) Viseme {
	fields := strings.Fields(phoneme)
	cluster := fields[len(fields)-1]
	if pauseTokens[strings.ToLower(cluster)] {
		return Silence
	}

	last, _ := utf8.DecodeLastRuneInString(cluster)
	if v, ok := phonemeTable[last]; ok {
		return v
	}

	lower := strings.ToLower(cluster)
	for _, f := range phonemeFallback {
		if strings.Contains(lower, f.letter) {
			return f.viseme
		}
	}
	return Silence
}

func classifyText(text string) Viseme {
	text = strings.TrimSpace(norm.NFKC.String(text))
	if text == "" {
		return Silence
	}
	last, _ := utf8.DecodeLastRuneInString(strings.ToLower(text))
	if v, ok := textTable[last]; ok {
		return v
	}
	return Silence
}
