// Package placeholder allocates the typed bracket tokens that replace
// detected entities, e.g. "[PERSON_NAME_1]" or, when the source text already
// contains tokens of that shape, the salted form "[PERSON_NAME_QXZT_1]".
package placeholder

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/straja-ai/lexanon/internal/pii"
)

// Grammar matches both placeholder forms. Bounded repetition keeps scans
// linear and rejects absurdly long tokens.
var Grammar = regexp.MustCompile(`\[[A-Z][A-Z_]{0,63}_\d{1,9}\]`)

const (
	saltLen            = 4
	DefaultMaxAttempts = 5
)

// Placement binds an entity to the placeholder that replaces it.
type Placement struct {
	Entity      pii.Entity
	Placeholder string
}

// Token is a parsed placeholder.
type Token struct {
	Type pii.EntityType
	Salt string
	N    int
}

func (t Token) String() string {
	if t.Salt != "" {
		return FormatSalted(t.Type, t.Salt, t.N)
	}
	return Format(t.Type, t.N)
}

// Format renders the plain form "[TYPE_n]".
func Format(t pii.EntityType, n int) string {
	return "[" + string(t) + "_" + strconv.Itoa(n) + "]"
}

// FormatSalted renders the alternate form "[TYPE_SALT_n]".
func FormatSalted(t pii.EntityType, salt string, n int) string {
	return "[" + string(t) + "_" + salt + "_" + strconv.Itoa(n) + "]"
}

// Parse decodes a placeholder token. The longest known type prefix wins, so
// "[STREET_ADDRESS_2]" is never read as a shorter type.
func Parse(token string) (Token, bool) {
	if len(token) < 4 || token[0] != '[' || token[len(token)-1] != ']' {
		return Token{}, false
	}
	body := token[1 : len(token)-1]
	for _, t := range pii.AllTypes() {
		prefix := string(t) + "_"
		if !strings.HasPrefix(body, prefix) {
			continue
		}
		rest := body[len(prefix):]
		salt := ""
		if i := strings.IndexByte(rest, '_'); i >= 0 {
			salt, rest = rest[:i], rest[i+1:]
			if !validSalt(salt) {
				continue
			}
		}
		n, ok := parseCounter(rest)
		if !ok {
			continue
		}
		return Token{Type: t, Salt: salt, N: n}, true
	}
	return Token{}, false
}

func parseCounter(s string) (int, bool) {
	if s == "" || len(s) > 9 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func validSalt(s string) bool {
	if len(s) != saltLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// Allocator assigns placeholders for one run at a time. It holds no per-run
// state and is safe for concurrent use.
type Allocator struct {
	maxAttempts int
	salt        func() (string, error)
}

// NewAllocator returns an allocator that tries the plain grammar once and
// then up to maxAttempts-1 random salts.
func NewAllocator(maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Allocator{maxAttempts: maxAttempts, salt: randomSalt}
}

// Allocate assigns placeholders in ascending start order with a counter per
// type. Entities with the same type and original text share a placeholder.
// If the source text contains any generated placeholder, or any
// grammar-shaped token of a known type, the whole run is regenerated with a
// salt. Exhausting the attempts returns a *pii.CollisionError.
func (a *Allocator) Allocate(text string, entities []pii.Entity) ([]Placement, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	sorted := make([]pii.Entity, len(entities))
	copy(sorted, entities)
	pii.SortByStart(sorted)
	for _, e := range sorted {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("placeholder: unknown entity type %q", e.Type)
		}
	}

	salt := ""
	if hasKnownToken(text) {
		s, err := a.salt()
		if err != nil {
			return nil, fmt.Errorf("placeholder: generate salt: %w", err)
		}
		salt = s
	}

	var last string
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		placements := assign(sorted, salt)
		collision := ""
		for _, p := range placements {
			if strings.Contains(text, p.Placeholder) {
				collision = p.Placeholder
				break
			}
		}
		if collision == "" {
			return placements, nil
		}
		last = collision

		s, err := a.salt()
		if err != nil {
			return nil, fmt.Errorf("placeholder: generate salt: %w", err)
		}
		salt = s
	}
	return nil, &pii.CollisionError{Placeholder: last, Attempts: a.maxAttempts}
}

func assign(sorted []pii.Entity, salt string) []Placement {
	type key struct {
		t    pii.EntityType
		text string
	}
	counters := make(map[pii.EntityType]int)
	seen := make(map[key]string)
	out := make([]Placement, 0, len(sorted))
	for _, e := range sorted {
		k := key{e.Type, e.Text}
		ph, ok := seen[k]
		if !ok {
			counters[e.Type]++
			if salt == "" {
				ph = Format(e.Type, counters[e.Type])
			} else {
				ph = FormatSalted(e.Type, salt, counters[e.Type])
			}
			seen[k] = ph
		}
		out = append(out, Placement{Entity: e, Placeholder: ph})
	}
	return out
}

// hasKnownToken reports whether text already contains a grammar-shaped token
// that parses as a placeholder of a known type.
func hasKnownToken(text string) bool {
	if !strings.Contains(text, "[") {
		return false
	}
	for _, m := range Grammar.FindAllString(text, -1) {
		if _, ok := Parse(m); ok {
			return true
		}
	}
	return false
}

const saltAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randomSalt() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(saltAlphabet)))
	for i := 0; i < saltLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(saltAlphabet[n.Int64()])
	}
	s := b.String()
	if !validSalt(s) {
		return "", errors.New("invalid salt")
	}
	return s, nil
}
