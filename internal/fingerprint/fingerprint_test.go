package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

func TestHashIsDeterministic(t *testing.T) {
	payload := domain.Metadata{"fields": []any{"title", "description"}, "max_variants": 3}
	first, err := Hash("tenant-1", "product_copy", payload, "1.0")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := Hash("tenant-1", "product_copy", payload, "1.0")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical digests, got %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(first))
	}
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	var a, b domain.Metadata
	if err := json.Unmarshal([]byte(`{"alpha":1,"nested":{"x":true,"y":"z"},"list":[1,2]}`), &a); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"nested":{"y":"z","x":true},"list":[1,2],"alpha":1}`), &b); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}

	hashA, err := Hash("tenant-1", "seo", a, "1.0")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hashB, err := Hash("tenant-1", "seo", b, "1.0")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected key order not to affect digest")
	}
}

func TestHashVariesWithEachInput(t *testing.T) {
	payload := domain.Metadata{"page": "home"}
	base, err := Hash("tenant-1", "seo", payload, "1.0")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	variants := []struct {
		name    string
		tenant  string
		fw      string
		payload domain.Metadata
		policy  string
	}{
		{"tenant", "tenant-2", "seo", payload, "1.0"},
		{"framework", "tenant-1", "blueprint", payload, "1.0"},
		{"payload", "tenant-1", "seo", domain.Metadata{"page": "about"}, "1.0"},
		{"policy", "tenant-1", "seo", payload, "2.0"},
	}
	for _, tc := range variants {
		digest, err := Hash(tc.tenant, tc.fw, tc.payload, tc.policy)
		if err != nil {
			t.Fatalf("hash %s: %v", tc.name, err)
		}
		if digest == base {
			t.Fatalf("expected %s change to change digest", tc.name)
		}
	}
}

func TestHashNilPayload(t *testing.T) {
	withNil, err := Hash("tenant-1", "seo", nil, "1.0")
	if err != nil {
		t.Fatalf("hash nil payload: %v", err)
	}
	withEmpty, err := Hash("tenant-1", "seo", domain.Metadata{}, "1.0")
	if err != nil {
		t.Fatalf("hash empty payload: %v", err)
	}
	if withNil != withEmpty {
		t.Fatalf("expected nil and empty payloads to hash identically")
	}
}
