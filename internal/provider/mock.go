package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

const MockModelName = "mock"

// Mock produces deterministic output derived from the request payload so
// repeated dispatches of the same input stay byte-for-byte identical.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (*Mock) ModelName() string { return MockModelName }

func (*Mock) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, err
	}

	subject := payloadString(req.Payload, "product_name", "title", "name", "page")
	if subject == "" {
		subject = req.Framework
	}

	var output domain.Metadata
	switch req.Framework {
	case domain.FrameworkSEO:
		output = domain.Metadata{
			"meta_title":       fmt.Sprintf("%s | Draftline", subject),
			"meta_description": fmt.Sprintf("Mock meta description for %s.", subject),
			"keywords":         strings.ToLower(subject),
		}
	case domain.FrameworkBlueprint:
		output = domain.Metadata{
			"sections": []any{
				domain.Metadata{"heading": subject, "body": fmt.Sprintf("Mock section body for %s.", subject)},
			},
		}
	default:
		output = domain.Metadata{
			"title":       subject,
			"description": fmt.Sprintf("Mock description for %s.", subject),
		}
	}
	return GenerateResponse{Output: output, ModelName: MockModelName}, nil
}

func payloadString(payload domain.Metadata, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
