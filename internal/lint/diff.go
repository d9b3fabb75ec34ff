// Package lint scores generated content against a content policy and
// computes structural diffs between baseline and generated outputs.
package lint

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

// DiffSummary is the structural comparison attached to a shadow run once
// both baseline and generated outputs exist.
type DiffSummary struct {
	KeysChanged []string       `json:"keys_changed"`
	LengthDiff  map[string]int `json:"length_diff"`
	LintResults LintResults    `json:"lint_results"`
}

// LintResults aggregates policy checks over the generated output.
type LintResults struct {
	Passed     bool          `json:"passed"`
	Lexicon    LexiconResult `json:"lexicon"`
	Similarity BatchResult   `json:"similarity"`
	Violations []string      `json:"violations"`
}

// BatchResult reports near-duplicate detection across a set of texts.
// Passed means every pairwise score stayed below the threshold.
type BatchResult struct {
	Passed        bool    `json:"passed"`
	MaxSimilarity float64 `json:"max_similarity"`
	WorstPairA    int     `json:"worst_pair_a"`
	WorstPairB    int     `json:"worst_pair_b"`
	Pairs         int     `json:"pairs"`
	Algorithm     string  `json:"algorithm"`
}

// Analyzer applies one policy with one scorer. Construct it once and share
// it; it holds no per-call state.
type Analyzer struct {
	policy Policy
	scorer Scorer
}

func NewAnalyzer(policy Policy) *Analyzer {
	return &Analyzer{policy: policy, scorer: NewScorer(policy.Similarity.Algorithm)}
}

func (a *Analyzer) Policy() Policy { return a.policy }

// CheckSimilarity scores a single pair of texts.
func (a *Analyzer) CheckSimilarity(textA, textB string) float64 {
	return a.scorer.Score(textA, textB)
}

// CheckSimilarityBatch scores every unordered pair and fails the batch if
// any pair reaches the threshold. Batches of fewer than two texts pass
// trivially.
func (a *Analyzer) CheckSimilarityBatch(texts []string, threshold float64) BatchResult {
	result := BatchResult{
		Passed:     true,
		WorstPairA: -1,
		WorstPairB: -1,
		Algorithm:  a.scorer.Name(),
	}
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			score := a.scorer.Score(texts[i], texts[j])
			result.Pairs++
			if score > result.MaxSimilarity {
				result.MaxSimilarity = score
				result.WorstPairA = i
				result.WorstPairB = j
			}
		}
	}
	if result.MaxSimilarity >= threshold {
		result.Passed = false
	}
	return result
}

// Diff compares baseline and generated outputs field by field. Keys appear
// in KeysChanged when present in only one side or when their values differ
// after JSON normalization. LengthDiff covers changed keys whose values are
// strings on both sides, as generated length minus baseline length in runes.
func (a *Analyzer) Diff(baseline, generated domain.Metadata) DiffSummary {
	summary := DiffSummary{
		KeysChanged: []string{},
		LengthDiff:  map[string]int{},
	}

	for _, key := range unionKeys(baseline, generated) {
		baseVal, inBase := baseline[key]
		genVal, inGen := generated[key]
		if inBase && inGen && equalJSON(baseVal, genVal) {
			continue
		}
		summary.KeysChanged = append(summary.KeysChanged, key)

		baseStr, baseIsStr := baseVal.(string)
		genStr, genIsStr := genVal.(string)
		if inBase && inGen && baseIsStr && genIsStr {
			summary.LengthDiff[key] = utf8.RuneCountInString(genStr) - utf8.RuneCountInString(baseStr)
		}
	}

	summary.LintResults = a.lint(generated)
	return summary
}

// lint runs the lexicon check over the concatenation-free set of string
// values in the generated output and the batch similarity check across
// those same values.
func (a *Analyzer) lint(generated domain.Metadata) LintResults {
	texts := stringValues(generated)

	results := LintResults{
		Passed:     true,
		Violations: []string{},
	}

	for _, text := range texts {
		res := CheckLexicon(text, a.policy.Lexicon.RequiredTerms, a.policy.Lexicon.ForbiddenTerms)
		results.Lexicon.RequiredFound = append(results.Lexicon.RequiredFound, res.RequiredFound...)
		results.Lexicon.RequiredMissing = append(results.Lexicon.RequiredMissing, res.RequiredMissing...)
		results.Lexicon.ForbiddenFound = append(results.Lexicon.ForbiddenFound, res.ForbiddenFound...)
	}
	results.Lexicon.RequiredFound = trimNonEmpty(results.Lexicon.RequiredFound)
	results.Lexicon.RequiredMissing = trimNonEmpty(results.Lexicon.RequiredMissing)
	results.Lexicon.ForbiddenFound = trimNonEmpty(results.Lexicon.ForbiddenFound)
	results.Lexicon.Passed = len(results.Lexicon.ForbiddenFound) == 0
	if !results.Lexicon.Passed {
		for _, term := range results.Lexicon.ForbiddenFound {
			results.Violations = append(results.Violations, fmt.Sprintf("forbidden term %q present", term))
		}
	}

	results.Similarity = a.CheckSimilarityBatch(texts, a.policy.Similarity.Threshold)
	if !results.Similarity.Passed {
		results.Violations = append(results.Violations,
			fmt.Sprintf("near-duplicate content: pair (%d,%d) scored %.3f against threshold %.3f",
				results.Similarity.WorstPairA, results.Similarity.WorstPairB,
				results.Similarity.MaxSimilarity, a.policy.Similarity.Threshold))
	}

	results.Passed = results.Lexicon.Passed && results.Similarity.Passed
	return results
}

func unionKeys(a, b domain.Metadata) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
	}
	for key := range b {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// equalJSON compares values after a JSON round trip so that structurally
// identical values of different Go types (int vs float64, struct vs map)
// do not register as changes.
func equalJSON(a, b any) bool {
	blobA, errA := json.Marshal(a)
	blobB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	var normA, normB any
	if json.Unmarshal(blobA, &normA) != nil || json.Unmarshal(blobB, &normB) != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(normA, normB)
}

// stringValues collects the string-typed values of the output in key order
// so lint results stay deterministic across runs.
func stringValues(m domain.Metadata) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			out = append(out, s)
		}
	}
	return out
}
