// Package fingerprint computes the deterministic digest that identifies a
// dispatch for caching. The digest covers tenant, framework, payload and
// policy version; bumping the configured policy version therefore
// invalidates every cached entry at once.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

// Hash canonicalizes the four identifying inputs into a single structure
// with sorted keys at every nesting level and returns its SHA-256 hex
// digest. encoding/json emits map keys in sorted order, so two payloads
// with identical content hash identically regardless of construction order.
func Hash(tenantID, frameworkName string, payload domain.Metadata, policyVersion string) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	input := map[string]any{
		"tenant_id":      tenantID,
		"framework_name": frameworkName,
		"payload":        canonical,
		"policy_version": policyVersion,
	}
	blob, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips the payload through JSON so that struct values,
// json.RawMessage fragments and maps all reduce to the same generic shape
// before hashing.
func canonicalize(payload domain.Metadata) (any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
