// Package rewrite substitutes placeholders for entity spans.
package rewrite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/straja-ai/lexanon/internal/placeholder"
)

// Apply returns text with every placement's span replaced by its placeholder.
// Placements are validated first: each span must lie inside text, match its
// recorded original and not overlap another placement. On any failure no text
// is returned.
func Apply(ctx context.Context, text string, placements []placeholder.Placement) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(placements) == 0 {
		return text, nil
	}

	ordered := make([]placeholder.Placement, len(placements))
	copy(ordered, placements)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Entity.Start > ordered[j].Entity.Start
	})

	want := len(text)
	prevStart := len(text) + 1
	for _, p := range ordered {
		e := p.Entity
		if e.Start < 0 || e.End <= e.Start || e.End > len(text) {
			return "", fmt.Errorf("rewrite: span [%d,%d) outside text of %d bytes", e.Start, e.End, len(text))
		}
		if text[e.Start:e.End] != e.Text {
			return "", fmt.Errorf("rewrite: span [%d,%d) does not match recorded %s", e.Start, e.End, e.Type)
		}
		if e.End > prevStart {
			return "", fmt.Errorf("rewrite: span [%d,%d) overlaps span starting at %d", e.Start, e.End, prevStart)
		}
		if p.Placeholder == "" {
			return "", fmt.Errorf("rewrite: empty placeholder for span [%d,%d)", e.Start, e.End)
		}
		prevStart = e.Start
		want += len(p.Placeholder) - e.Len()
	}

	// Back to front: collect segments in reverse, then join once.
	segs := make([]string, 0, 2*len(ordered)+1)
	tail := len(text)
	for _, p := range ordered {
		segs = append(segs, text[p.Entity.End:tail], p.Placeholder)
		tail = p.Entity.Start
	}
	segs = append(segs, text[:tail])

	var b strings.Builder
	b.Grow(want)
	for i := len(segs) - 1; i >= 0; i-- {
		b.WriteString(segs[i])
	}
	out := b.String()

	if len(out) != want {
		return "", fmt.Errorf("rewrite: output length %d, expected %d", len(out), want)
	}
	return out, nil
}
