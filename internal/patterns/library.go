// Package patterns holds the detection library: the regex detectors, the NER
// label mapping, the stoplist and allowlist, and the natural-language phrase
// labels. A library is built once at startup and never mutated afterwards.
package patterns

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/straja-ai/lexanon/internal/pii"
)

//go:embed default.yaml
var defaultYAML []byte

// Kind tags a detector variant.
type Kind int

const (
	KindRegex Kind = iota
	KindNER
)

func (k Kind) String() string {
	switch k {
	case KindRegex:
		return "regex"
	case KindNER:
		return "ner"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Detector is a single library entry. Regex detectors carry Expr (and
// optionally Group); the NER detector carries Labels.
type Detector struct {
	ID         string
	Type       pii.EntityType
	Kind       Kind
	Expr       *regexp.Regexp
	Group      int
	Labels     []string
	Confidence float64
	Validator  ValidatorKind
}

// NERLabel maps an oracle label onto an entity type and base confidence.
type NERLabel struct {
	Type       pii.EntityType
	Confidence float64
}

// Library is immutable after construction and safe for concurrent use.
type Library struct {
	version   string
	detectors []Detector
	ner       map[string]NERLabel
	stop      map[string]struct{}
	allow     map[string]struct{}
	phrases   map[pii.EntityType]string
}

// DefaultPhrase labels entity types that have no configured phrase.
const DefaultPhrase = "Angabe"

type libraryFile struct {
	Version   string                  `yaml:"version"`
	Detectors []detectorFile          `yaml:"detectors"`
	NERLabels map[string]nerLabelFile `yaml:"ner_labels"`
	Stoplist  []string                `yaml:"stoplist"`
	Allowlist []string                `yaml:"allowlist"`
	Phrases   map[string]string       `yaml:"phrases"`
}

type detectorFile struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	Kind       string   `yaml:"kind"`
	Expr       string   `yaml:"expr"`
	Group      int      `yaml:"group"`
	Labels     []string `yaml:"labels"`
	Confidence float64  `yaml:"confidence"`
	Validator  string   `yaml:"validator"`
}

type nerLabelFile struct {
	Type       string  `yaml:"type"`
	Confidence float64 `yaml:"confidence"`
}

var loadDefault = sync.OnceValues(func() (*Library, error) {
	return Parse(defaultYAML)
})

// Default returns the embedded library. The result is shared.
func Default() (*Library, error) {
	lib, err := loadDefault()
	if err != nil {
		return nil, fmt.Errorf("embedded pattern library: %w", err)
	}
	return lib, nil
}

// Load reads a library from a YAML file. An empty path selects the embedded
// default library.
func Load(path string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern library: %w", err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pattern library %s: %w", path, err)
	}
	return lib, nil
}

// Parse builds a library from YAML. Every expression is compiled here, so a
// broken pattern is a load error rather than a runtime failure.
func Parse(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if strings.TrimSpace(f.Version) == "" {
		return nil, errors.New("version must be set")
	}
	if len(f.Detectors) == 0 {
		return nil, errors.New("at least one detector must be defined")
	}

	lib := &Library{
		version: f.Version,
		ner:     make(map[string]NERLabel, len(f.NERLabels)),
		stop:    make(map[string]struct{}, len(f.Stoplist)),
		allow:   make(map[string]struct{}, len(f.Allowlist)),
		phrases: make(map[pii.EntityType]string, len(f.Phrases)),
	}

	for label, def := range f.NERLabels {
		t := pii.EntityType(strings.ToUpper(strings.TrimSpace(def.Type)))
		if !t.Valid() {
			return nil, fmt.Errorf("ner_labels.%s: unknown entity type %q", label, def.Type)
		}
		if def.Confidence <= 0 || def.Confidence > 1 {
			return nil, fmt.Errorf("ner_labels.%s: confidence must be in (0,1]", label)
		}
		lib.ner[normalizeLabel(label)] = NERLabel{Type: t, Confidence: def.Confidence}
	}

	seen := make(map[string]struct{}, len(f.Detectors))
	haveNER := false
	for i, def := range f.Detectors {
		d, err := buildDetector(def, lib.ner)
		if err != nil {
			return nil, fmt.Errorf("detectors[%d]: %w", i, err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("detectors[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Kind == KindNER {
			if haveNER {
				return nil, fmt.Errorf("detectors[%d]: only one ner detector is allowed", i)
			}
			haveNER = true
		}
		lib.detectors = append(lib.detectors, d)
	}

	for _, s := range f.Stoplist {
		if key := Normalize(s); key != "" {
			lib.stop[key] = struct{}{}
		}
	}
	for _, s := range f.Allowlist {
		if key := Normalize(s); key != "" {
			lib.allow[key] = struct{}{}
		}
	}
	for name, phrase := range f.Phrases {
		t := pii.EntityType(strings.ToUpper(strings.TrimSpace(name)))
		if !t.Valid() {
			return nil, fmt.Errorf("phrases.%s: unknown entity type", name)
		}
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			return nil, fmt.Errorf("phrases.%s: phrase must not be empty", name)
		}
		lib.phrases[t] = phrase
	}

	return lib, nil
}

func buildDetector(def detectorFile, ner map[string]NERLabel) (Detector, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return Detector{}, errors.New("id must be set")
	}

	switch strings.ToLower(strings.TrimSpace(def.Kind)) {
	case "", "regex":
	case "ner":
		if len(ner) == 0 {
			return Detector{}, fmt.Errorf("%s: ner detector requires ner_labels", id)
		}
		labels := make([]string, 0, len(def.Labels))
		for _, l := range def.Labels {
			l = normalizeLabel(l)
			if _, ok := ner[l]; !ok {
				return Detector{}, fmt.Errorf("%s: label %q has no ner_labels entry", id, l)
			}
			labels = append(labels, l)
		}
		if len(labels) == 0 {
			for l := range ner {
				labels = append(labels, l)
			}
			sort.Strings(labels)
		}
		return Detector{ID: id, Kind: KindNER, Labels: labels}, nil
	default:
		return Detector{}, fmt.Errorf("%s: unknown kind %q", id, def.Kind)
	}

	t := pii.EntityType(strings.ToUpper(strings.TrimSpace(def.Type)))
	if !t.Valid() {
		return Detector{}, fmt.Errorf("%s: unknown entity type %q", id, def.Type)
	}
	if def.Confidence <= 0 || def.Confidence > 1 {
		return Detector{}, fmt.Errorf("%s: confidence must be in (0,1]", id)
	}
	if strings.TrimSpace(def.Expr) == "" {
		return Detector{}, fmt.Errorf("%s: expr must be set", id)
	}
	re, err := regexp.Compile(def.Expr)
	if err != nil {
		return Detector{}, fmt.Errorf("%s: compile expr: %w", id, err)
	}
	if def.Group < 0 || def.Group > re.NumSubexp() {
		return Detector{}, fmt.Errorf("%s: group %d out of range (expr has %d)", id, def.Group, re.NumSubexp())
	}
	v := ValidatorKind(strings.ToLower(strings.TrimSpace(def.Validator)))
	if !v.known() {
		return Detector{}, fmt.Errorf("%s: unknown validator %q", id, def.Validator)
	}

	return Detector{
		ID:         id,
		Type:       t,
		Kind:       KindRegex,
		Expr:       re,
		Group:      def.Group,
		Confidence: def.Confidence,
		Validator:  v,
	}, nil
}

// Version returns the library version string.
func (l *Library) Version() string { return l.version }

// Detectors returns all detectors in library order.
func (l *Library) Detectors() []Detector {
	out := make([]Detector, len(l.detectors))
	copy(out, l.detectors)
	return out
}

// RegexDetectors returns the regex detectors in library order.
func (l *Library) RegexDetectors() []Detector {
	out := make([]Detector, 0, len(l.detectors))
	for _, d := range l.detectors {
		if d.Kind == KindRegex {
			out = append(out, d)
		}
	}
	return out
}

// NERDetector returns the NER entry if the library has one.
func (l *Library) NERDetector() (Detector, bool) {
	for _, d := range l.detectors {
		if d.Kind == KindNER {
			return d, true
		}
	}
	return Detector{}, false
}

// NERMapping resolves an oracle label. Labels outside the NER detector's
// label set are reported as unknown.
func (l *Library) NERMapping(label string) (NERLabel, bool) {
	d, ok := l.NERDetector()
	if !ok {
		return NERLabel{}, false
	}
	label = normalizeLabel(label)
	for _, known := range d.Labels {
		if known == label {
			m, ok := l.ner[label]
			return m, ok
		}
	}
	return NERLabel{}, false
}

// IsStopword reports whether s is a stoplisted term after normalization.
func (l *Library) IsStopword(s string) bool {
	_, ok := l.stop[Normalize(s)]
	return ok
}

// IsAllowlisted reports whether s is a token confirmed as non-PII.
func (l *Library) IsAllowlisted(s string) bool {
	_, ok := l.allow[Normalize(s)]
	return ok
}

// Phrase returns the natural-language label for t.
func (l *Library) Phrase(t pii.EntityType) string {
	if p, ok := l.phrases[t]; ok {
		return p
	}
	return DefaultPhrase
}

// Normalize applies NFC, Unicode case folding and whitespace collapsing.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	// Casers keep state; use a fresh one per call.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func normalizeLabel(l string) string {
	l = strings.ToUpper(strings.TrimSpace(l))
	if len(l) > 2 && (strings.HasPrefix(l, "B-") || strings.HasPrefix(l, "I-")) {
		l = l[2:]
	}
	return l
}
