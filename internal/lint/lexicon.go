package lint

import "strings"

// LexiconResult reports term-policy compliance for one text. Required terms
// are informational; only forbidden terms fail the check.
type LexiconResult struct {
	Passed          bool     `json:"passed"`
	RequiredFound   []string `json:"required_found"`
	RequiredMissing []string `json:"required_missing"`
	ForbiddenFound  []string `json:"forbidden_found"`
}

// CheckLexicon scans content for required and forbidden terms,
// case-insensitively.
func CheckLexicon(content string, requiredTerms, forbiddenTerms []string) LexiconResult {
	lowered := strings.ToLower(content)

	result := LexiconResult{
		RequiredFound:   []string{},
		RequiredMissing: []string{},
		ForbiddenFound:  []string{},
	}
	for _, term := range requiredTerms {
		if strings.Contains(lowered, strings.ToLower(term)) {
			result.RequiredFound = append(result.RequiredFound, term)
		} else {
			result.RequiredMissing = append(result.RequiredMissing, term)
		}
	}
	for _, term := range forbiddenTerms {
		if strings.Contains(lowered, strings.ToLower(term)) {
			result.ForbiddenFound = append(result.ForbiddenFound, term)
		}
	}
	result.Passed = len(result.ForbiddenFound) == 0
	return result
}
