// Package naturalize rewrites bracket placeholders into fluent German phrases
// such as "Person A" before text leaves for a generation service, and maps the
// phrases back afterwards.
package naturalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/straja-ai/lexanon/internal/patterns"
	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/placeholder"
)

// maxSkips bounds how many instance letters may be skipped for one
// placeholder because the phrase already occurs in the text.
const maxSkips = 10000

// PhraseEntry binds a phrase to the placeholder it stands for. SpaceBefore
// and SpaceAfter mark separators ToNatural inserted because the placeholder
// was glued to a letter or digit; FromNatural removes them again.
type PhraseEntry struct {
	Phrase      string `json:"phrase"`
	Placeholder string `json:"placeholder"`
	SpaceBefore bool   `json:"space_before,omitempty"`
	SpaceAfter  bool   `json:"space_after,omitempty"`
}

// form is the text ToNatural emitted for the entry.
func (e PhraseEntry) form() string {
	f := e.Phrase
	if e.SpaceBefore {
		f = " " + f
	}
	if e.SpaceAfter {
		f += " "
	}
	return f
}

// variant identifies one placeholder in one gluing context. Glued and free
// occurrences of the same placeholder get distinct phrases.
type variant struct {
	token         string
	before, after bool
}

// PhraseMap records the phrases of one ToNatural call in order of first
// appearance.
type PhraseMap struct {
	entries   []PhraseEntry
	byPhrase  map[string]string
	byToken   map[string]string
	byVariant map[variant]PhraseEntry
}

func newPhraseMap() *PhraseMap {
	return &PhraseMap{
		byPhrase:  map[string]string{},
		byToken:   map[string]string{},
		byVariant: map[variant]PhraseEntry{},
	}
}

func (pm *PhraseMap) add(e PhraseEntry) {
	pm.entries = append(pm.entries, e)
	pm.byPhrase[e.Phrase] = e.Placeholder
	if _, ok := pm.byToken[e.Placeholder]; !ok {
		pm.byToken[e.Placeholder] = e.Phrase
	}
	pm.byVariant[variant{e.Placeholder, e.SpaceBefore, e.SpaceAfter}] = e
}

// Len returns the number of phrases.
func (pm *PhraseMap) Len() int {
	if pm == nil {
		return 0
	}
	return len(pm.entries)
}

// Entries returns a copy of the phrase entries.
func (pm *PhraseMap) Entries() []PhraseEntry {
	if pm == nil {
		return nil
	}
	out := make([]PhraseEntry, len(pm.entries))
	copy(out, pm.entries)
	return out
}

// PhraseFor returns the first phrase used for a placeholder.
func (pm *PhraseMap) PhraseFor(token string) (string, bool) {
	if pm == nil {
		return "", false
	}
	p, ok := pm.byToken[token]
	return p, ok
}

// PlaceholderFor returns the placeholder behind a phrase.
func (pm *PhraseMap) PlaceholderFor(phrase string) (string, bool) {
	if pm == nil {
		return "", false
	}
	t, ok := pm.byPhrase[phrase]
	return t, ok
}

func (pm *PhraseMap) MarshalJSON() ([]byte, error) {
	if pm == nil || pm.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(pm.entries)
}

func (pm *PhraseMap) UnmarshalJSON(data []byte) error {
	var entries []PhraseEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("phrase map: %w", err)
	}
	fresh := newPhraseMap()
	for i, e := range entries {
		if e.Phrase == "" || e.Placeholder == "" {
			return fmt.Errorf("phrase map: entry %d is incomplete", i)
		}
		if _, dup := fresh.byPhrase[e.Phrase]; dup {
			return fmt.Errorf("phrase map: entry %d: duplicate phrase %q", i, e.Phrase)
		}
		fresh.add(e)
	}
	*pm = *fresh
	return nil
}

// Report summarizes FromNatural. Missing lists phrases that did not appear in
// the generated text.
type Report struct {
	Restored int
	Missing  []string
}

// Transformer is immutable and safe for concurrent use.
type Transformer struct {
	lib *patterns.Library
}

// New returns a transformer using the phrase labels of lib.
func New(lib *patterns.Library) (*Transformer, error) {
	if lib == nil {
		return nil, errors.New("naturalize: pattern library is nil")
	}
	return &Transformer{lib: lib}, nil
}

// ToNatural replaces every placeholder of a known type with "<label> <letters>",
// lettering instances per type in order of first appearance. A phrase already
// present in text is skipped. A placeholder glued to a letter or digit is
// set off by a space on that side so the phrase stays recognizable; the space
// is recorded in the entry. Tokens that do not parse are left as they are.
func (t *Transformer) ToNatural(text string) (string, *PhraseMap, error) {
	pm := newPhraseMap()
	counters := make(map[pii.EntityType]int)

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, loc := range placeholder.Grammar.FindAllStringIndex(text, -1) {
		tok := text[loc[0]:loc[1]]
		parsed, ok := placeholder.Parse(tok)
		if !ok {
			continue
		}
		b.WriteString(text[last:loc[0]])
		last = loc[1]

		v := variant{token: tok, before: gluedBefore(b.String()), after: gluedAfter(text[loc[1]:])}
		e, ok := pm.byVariant[v]
		if !ok {
			phrase, err := t.nextPhrase(text, pm, counters, parsed.Type)
			if err != nil {
				return "", nil, err
			}
			e = PhraseEntry{Phrase: phrase, Placeholder: tok, SpaceBefore: v.before, SpaceAfter: v.after}
			pm.add(e)
		}
		b.WriteString(e.form())
	}
	b.WriteString(text[last:])
	return b.String(), pm, nil
}

func (t *Transformer) nextPhrase(text string, pm *PhraseMap, counters map[pii.EntityType]int, typ pii.EntityType) (string, error) {
	label := t.lib.Phrase(typ)
	for skips := 0; skips <= maxSkips; skips++ {
		counters[typ]++
		phrase := label + " " + Letters(counters[typ])
		if _, taken := pm.byPhrase[phrase]; taken {
			continue
		}
		if containsPhrase(text, phrase) {
			continue
		}
		return phrase, nil
	}
	return "", fmt.Errorf("naturalize: no free phrase for %s", typ)
}

// candidate is one literal FromNatural looks for.
type candidate struct {
	literal   string
	phrase    string
	token     string
	padBefore bool
	padAfter  bool
}

// FromNatural replaces each phrase of pm in text with its placeholder. Longer
// literals are tried first. A side without a recorded separator must sit on a
// word boundary, so "Person A" never matches inside "Person AB" or
// "Person Anna". A recorded separator is consumed with the phrase while the
// glued neighbour is still there; otherwise the bare phrase is restored on
// word boundaries.
func (t *Transformer) FromNatural(text string, pm *PhraseMap) (string, Report) {
	var rep Report
	if pm.Len() == 0 {
		return text, rep
	}

	cands := make([]candidate, 0, len(pm.entries))
	for _, e := range pm.entries {
		if e.SpaceBefore || e.SpaceAfter {
			cands = append(cands, candidate{literal: e.form(), phrase: e.Phrase, token: e.Placeholder, padBefore: e.SpaceBefore, padAfter: e.SpaceAfter})
		}
		cands = append(cands, candidate{literal: e.Phrase, phrase: e.Phrase, token: e.Placeholder})
	}
	sort.SliceStable(cands, func(i, j int) bool { return len(cands[i].literal) > len(cands[j].literal) })

	byFirst := make(map[byte][]candidate)
	for _, c := range cands {
		byFirst[c.literal[0]] = append(byFirst[c.literal[0]], c)
	}

	seen := make(map[string]bool, len(pm.entries))
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		var matched *candidate
		for k := range byFirst[text[i]] {
			c := byFirst[text[i]][k]
			end := i + len(c.literal)
			if !strings.HasPrefix(text[i:], c.literal) {
				continue
			}
			if !sideOK(c.padBefore, gluedBefore(text[:i])) || !sideOK(c.padAfter, gluedAfter(text[end:])) {
				continue
			}
			matched = &c
			break
		}
		if matched == nil {
			b.WriteByte(text[i])
			i++
			continue
		}
		b.WriteString(matched.token)
		seen[matched.phrase] = true
		rep.Restored++
		i += len(matched.literal)
	}

	for _, e := range pm.entries {
		if !seen[e.Phrase] {
			rep.Missing = append(rep.Missing, e.Phrase)
		}
	}
	return b.String(), rep
}

// sideOK checks one side of a match. A recorded separator is only consumed
// while its neighbour is still a word character; a side without one needs a
// word boundary.
func sideOK(padded, glued bool) bool {
	if padded {
		return glued
	}
	return !glued
}

// Letters renders n (1-based) as A..Z, AA, AB, ...
func Letters(n int) string {
	if n < 1 {
		return ""
	}
	var buf []byte
	for n > 0 {
		n--
		buf = append(buf, byte('A'+n%26))
		n /= 26
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

func containsPhrase(text, phrase string) bool {
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		if boundaryAt(text, start, start+len(phrase)) {
			return true
		}
		from = start + 1
	}
	return false
}

// boundaryAt reports whether text[start:end] is not glued to a word character
// on either side.
func boundaryAt(text string, start, end int) bool {
	return !gluedBefore(text[:start]) && !gluedAfter(text[end:])
}

// gluedBefore reports whether prefix ends in a word character.
func gluedBefore(prefix string) bool {
	if prefix == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(prefix)
	return isWordRune(r)
}

// gluedAfter reports whether suffix starts with a word character.
func gluedAfter(suffix string) bool {
	if suffix == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(suffix)
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
