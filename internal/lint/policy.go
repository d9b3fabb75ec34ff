package lint

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const PolicySchemaV1 = "draftline.content_policy.v1"

const (
	AlgorithmCosine  = "cosine"
	AlgorithmJaccard = "jaccard"
)

// Policy is the content-policy spec the analyzer enforces over generated
// text: lexicon terms plus a near-duplicate similarity threshold.
type Policy struct {
	Schema     string           `json:"schema" yaml:"schema"`
	Lexicon    LexiconPolicy    `json:"lexicon" yaml:"lexicon"`
	Similarity SimilarityPolicy `json:"similarity" yaml:"similarity"`
}

type LexiconPolicy struct {
	RequiredTerms  []string `json:"required_terms,omitempty" yaml:"required_terms,omitempty"`
	ForbiddenTerms []string `json:"forbidden_terms,omitempty" yaml:"forbidden_terms,omitempty"`
}

type SimilarityPolicy struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Algorithm string  `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
}

// DefaultPolicy matches the engine's behavior when no policy file is
// configured: nothing forbidden, duplicates flagged at 0.9.
func DefaultPolicy() Policy {
	return Policy{
		Schema:     PolicySchemaV1,
		Similarity: SimilarityPolicy{Threshold: 0.9, Algorithm: AlgorithmCosine},
	}
}

func ParsePolicy(input []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(input, &policy); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	policy.Lexicon.RequiredTerms = trimNonEmpty(policy.Lexicon.RequiredTerms)
	policy.Lexicon.ForbiddenTerms = trimNonEmpty(policy.Lexicon.ForbiddenTerms)
	if policy.Similarity.Threshold == 0 {
		policy.Similarity.Threshold = 0.9
	}
	return policy, nil
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Schema) != PolicySchemaV1 {
		return fmt.Errorf("policy.schema must be %q", PolicySchemaV1)
	}
	if p.Similarity.Threshold < 0 || p.Similarity.Threshold > 1 {
		return errors.New("policy.similarity.threshold must be in [0,1]")
	}
	switch strings.ToLower(strings.TrimSpace(p.Similarity.Algorithm)) {
	case "", AlgorithmCosine, AlgorithmJaccard:
	default:
		return fmt.Errorf("policy.similarity.algorithm unsupported: %q", p.Similarity.Algorithm)
	}
	return nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
