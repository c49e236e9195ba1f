package engine

import (
	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/placeholder"
	"github.com/straja-ai/lexanon/internal/rehydrate"
)

// EntityView is one replaced span as reported to callers. Offsets refer to
// the original text.
type EntityView struct {
	Type        pii.EntityType `json:"type"`
	Original    string         `json:"original,omitempty"`
	Replacement string         `json:"replacement"`
	Confidence  float64        `json:"confidence"`
	Start       int            `json:"start"`
	End         int            `json:"end"`
}

// Result is the outcome of anonymizing one document.
type Result struct {
	RunID          string         `json:"run_id"`
	AnonymizedText string         `json:"anonymized_text"`
	Entities       []EntityView   `json:"entities"`
	Map            *rehydrate.Map `json:"rehydration_map,omitempty"`
	Stats          pii.Stats      `json:"stats"`
}

// Sanitized returns a copy that is safe to log or hand to third parties: no
// originals and no rehydration map.
func (r *Result) Sanitized() *Result {
	if r == nil {
		return nil
	}
	out := &Result{
		RunID:          r.RunID,
		AnonymizedText: r.AnonymizedText,
		Entities:       make([]EntityView, len(r.Entities)),
		Stats:          r.Stats,
	}
	for i, e := range r.Entities {
		e.Original = ""
		out.Entities[i] = e
	}
	return out
}

// Placeholders lists the distinct placeholders in allocation order.
func (r *Result) Placeholders() []string {
	if r == nil {
		return nil
	}
	return r.Map.Placeholders()
}

func entityViews(placements []placeholder.Placement) []EntityView {
	out := make([]EntityView, 0, len(placements))
	for _, p := range placements {
		out = append(out, EntityView{
			Type:        p.Entity.Type,
			Original:    p.Entity.Text,
			Replacement: p.Placeholder,
			Confidence:  p.Entity.Confidence,
			Start:       p.Entity.Start,
			End:         p.Entity.End,
		})
	}
	return out
}
