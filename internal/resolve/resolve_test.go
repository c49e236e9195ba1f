package resolve

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/lexanon/internal/pii"
)

func ent(t pii.EntityType, start, end int, conf float64) pii.Entity {
	return pii.Entity{Type: t, Start: start, End: end, Confidence: conf}
}

func TestWins(t *testing.T) {
	cases := []struct {
		name      string
		candidate pii.Entity
		incumbent pii.Entity
		want      bool
	}{
		{"high specificity beats confidence", ent(pii.CaseNumber, 0, 5, 0.5), ent(pii.PersonName, 0, 5, 0.95), true},
		{"non high loses to high", ent(pii.PersonName, 0, 9, 0.99), ent(pii.IBAN, 0, 5, 0.3), false},
		{"higher confidence", ent(pii.Phone, 0, 5, 0.9), ent(pii.IDNumber, 0, 8, 0.4), true},
		{"lower confidence", ent(pii.IDNumber, 0, 8, 0.4), ent(pii.Phone, 0, 5, 0.9), false},
		{"longer span on equal confidence", ent(pii.Amount, 0, 8, 0.7), ent(pii.Amount, 2, 6, 0.7), true},
		{"full tie keeps incumbent", ent(pii.Location, 0, 4, 0.7), ent(pii.Organization, 0, 4, 0.7), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Wins(tc.candidate, tc.incumbent))
		})
	}
}

func TestResolveDisjointKeepsAll(t *testing.T) {
	in := []pii.Entity{
		ent(pii.Phone, 40, 55, 0.85),
		ent(pii.Email, 9, 32, 0.99),
	}
	out := Resolve(in)
	require.Len(t, out, 2)
	assert.Equal(t, pii.Email, out[0].Type)
	assert.Equal(t, pii.Phone, out[1].Type)
}

func TestResolveIBANBeatsGenericNumber(t *testing.T) {
	// "DE89370400440532013000" with the digits also matched as an id number
	in := []pii.Entity{
		ent(pii.IBAN, 46, 68, 0.97),
		ent(pii.IDNumber, 48, 68, 0.4),
	}
	out := Resolve(in)
	require.Len(t, out, 1)
	assert.Equal(t, pii.IBAN, out[0].Type)

	// order of input must not matter
	out = Resolve([]pii.Entity{in[1], in[0]})
	require.Len(t, out, 1)
	assert.Equal(t, pii.IBAN, out[0].Type)
}

func TestResolvePhoneBeatsEmbeddedNumber(t *testing.T) {
	in := []pii.Entity{
		ent(pii.Phone, 39, 54, 0.85),
		ent(pii.IDNumber, 46, 54, 0.4),
	}
	out := Resolve(in)
	require.Len(t, out, 1)
	assert.Equal(t, pii.Phone, out[0].Type)
}

func TestResolveClusterCandidateLoses(t *testing.T) {
	in := []pii.Entity{
		ent(pii.PersonName, 0, 5, 0.9),
		ent(pii.Location, 10, 15, 0.5),
		ent(pii.Organization, 3, 12, 0.7),
	}
	out := Resolve(in)
	require.Len(t, out, 2)
	assert.Equal(t, pii.PersonName, out[0].Type)
	assert.Equal(t, pii.Location, out[1].Type)
}

func TestResolveClusterCandidateWins(t *testing.T) {
	in := []pii.Entity{
		ent(pii.PostalCode, 0, 5, 0.6),
		ent(pii.Location, 6, 12, 0.7),
		ent(pii.StreetAddress, 0, 12, 0.8),
	}
	out := Resolve(in)
	require.Len(t, out, 1)
	assert.Equal(t, pii.StreetAddress, out[0].Type)
}

func TestResolveClusterPartialDisplacement(t *testing.T) {
	// c outranks b but not a, so greedy cluster resolution keeps a and b.
	a := ent(pii.PersonName, 0, 6, 0.9)
	b := ent(pii.Location, 8, 12, 0.5)
	c := ent(pii.Organization, 4, 11, 0.7)
	out := Resolve([]pii.Entity{a, b, c})
	require.Len(t, out, 2)
	assert.Equal(t, []pii.EntityType{pii.PersonName, pii.Location}, types(out))
}

func TestResolveReoffersBlockedCandidate(t *testing.T) {
	x := ent(pii.Phone, 0, 10, 0.8)
	y := ent(pii.Amount, 1, 3, 0.7)  // blocked by x
	w := ent(pii.Email, 5, 12, 0.99) // displaces x, does not touch y
	out := Resolve([]pii.Entity{x, y, w})
	require.Len(t, out, 2)
	assert.Equal(t, y, out[0])
	assert.Equal(t, w, out[1])
}

func TestResolveChainedDisplacement(t *testing.T) {
	in := []pii.Entity{
		ent(pii.IDNumber, 0, 20, 0.4),
		ent(pii.Phone, 2, 8, 0.85),
		ent(pii.Amount, 10, 18, 0.7),
		ent(pii.CaseNumber, 4, 14, 0.9),
	}
	out := Resolve(in)
	require.True(t, NonOverlapping(out))
	// the case number covers the middle; phone and amount overlap it and lose
	assert.Equal(t, []pii.EntityType{pii.CaseNumber}, types(out))
}

func TestResolveDropsEmptySpans(t *testing.T) {
	out := Resolve([]pii.Entity{ent(pii.Email, 5, 5, 0.9), ent(pii.Email, -1, 3, 0.9)})
	assert.Empty(t, out)
	assert.Empty(t, Resolve(nil))
}

func TestResolveSameSpanPicksHigherConfidence(t *testing.T) {
	in := []pii.Entity{
		{Type: pii.CaseNumber, Start: 5, End: 16, Confidence: 0.9, Source: "case_number_ref"},
		{Type: pii.CaseNumber, Start: 5, End: 16, Confidence: 0.92, Source: "case_number_court"},
	}
	out := Resolve(in)
	require.Len(t, out, 1)
	assert.Equal(t, "case_number_court", out[0].Source)
}

func TestNonOverlapping(t *testing.T) {
	assert.True(t, NonOverlapping(nil))
	assert.True(t, NonOverlapping([]pii.Entity{ent(pii.Email, 0, 3, 1), ent(pii.Email, 3, 5, 1)}))
	assert.False(t, NonOverlapping([]pii.Entity{ent(pii.Email, 0, 4, 1), ent(pii.Email, 3, 5, 1)}))
	assert.False(t, NonOverlapping([]pii.Entity{ent(pii.Email, 3, 5, 1), ent(pii.Email, 0, 2, 1)}))
}

func TestResolveProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	all := pii.AllTypes()
	confs := []float64{0.4, 0.6, 0.7, 0.85, 0.9, 0.97}

	for round := 0; round < 300; round++ {
		n := rng.Intn(25)
		in := make([]pii.Entity, 0, n)
		for i := 0; i < n; i++ {
			start := rng.Intn(100)
			in = append(in, ent(all[rng.Intn(len(all))], start, start+1+rng.Intn(15), confs[rng.Intn(len(confs))]))
		}

		out := Resolve(in)
		require.True(t, NonOverlapping(out), "round %d", round)
		assert.Equal(t, out, Resolve(in), "deterministic, round %d", round)
		assert.Equal(t, out, Resolve(out), "idempotent, round %d", round)

		// every high-specificity candidate is covered by an accepted
		// high-specificity entity
		for _, c := range in {
			if !c.Type.HighSpecificity() {
				continue
			}
			covered := false
			for _, o := range out {
				if o.Type.HighSpecificity() && o.Overlaps(c) {
					covered = true
					break
				}
			}
			assert.True(t, covered, "round %d: %+v not covered", round, c)
		}

		// every output entity came from the input
		for _, o := range out {
			assert.Contains(t, in, o)
		}
	}
}

func TestResolveBudgetExhaustionKeepsDisjointLeftovers(t *testing.T) {
	in := []pii.Entity{
		ent(pii.Location, 0, 10, 0.7),
		ent(pii.Location, 20, 30, 0.6),
		ent(pii.Location, 25, 35, 0.9),
	}

	full, exhausted := ResolveReport(in)
	assert.False(t, exhausted)
	require.Len(t, full, 2)
	assert.Equal(t, 25, full[1].Start)

	out, exhausted := resolveWithin(in, 1)
	assert.True(t, exhausted)
	require.Len(t, out, 2)
	assert.True(t, NonOverlapping(out))
	assert.Equal(t, 0, out[0].Start)
	assert.Equal(t, 20, out[1].Start)
}

func types(es []pii.Entity) []pii.EntityType {
	out := make([]pii.EntityType, len(es))
	for i, e := range es {
		out[i] = e.Type
	}
	return out
}
