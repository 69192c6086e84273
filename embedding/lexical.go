package embedding

import (
	"context"
	"math"
	"strings"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "can": {}, "has": {}, "have": {},
	"you": {}, "your": {}, "its": {}, "will": {}, "not": {}, "all": {},
	"any": {}, "use": {}, "using": {}, "used": {}, "via": {}, "into": {},
}

// Tokenize splits text into lowercase alphanumeric tokens, dropping
// stopwords and tokens shorter than three characters.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// TokenSet returns the unique tokens of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard computes the Jaccard similarity of the token sets of two texts.
// Returns 0 when either set is empty.
func Jaccard(a, b string) float64 {
	sa := TokenSet(a)
	sb := TokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// JaccardScorer scores candidates by token-set overlap with the query.
// It needs no external service, which makes it the scorer of last resort.
type JaccardScorer struct{}

func NewJaccardScorer() *JaccardScorer { return &JaccardScorer{} }

func (s *JaccardScorer) Name() string { return "jaccard" }

func (s *JaccardScorer) Score(_ context.Context, query, candidate string) (float64, error) {
	return Jaccard(query, candidate), nil
}

// CosineScorer scores candidates by cosine similarity of their embeddings.
type CosineScorer struct {
	provider Provider
}

func NewCosineScorer(provider Provider) *CosineScorer {
	return &CosineScorer{provider: provider}
}

func (s *CosineScorer) Name() string { return "cosine" }

func (s *CosineScorer) Score(ctx context.Context, query, candidate string) (float64, error) {
	vecs, err := s.provider.EmbedDocuments(ctx, []string{query, candidate})
	if err != nil {
		return 0, err
	}
	if len(vecs) < 2 {
		return 0, nil
	}
	return Cosine(vecs[0], vecs[1]), nil
}

// Cosine computes the cosine similarity of two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
