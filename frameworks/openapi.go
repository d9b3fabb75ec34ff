package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"

	_ "embed"
)

//go:embed openapi.yaml
var openapiSpec []byte

// newOpenAPIMiddleware validates /v1 requests against the embedded contract
// before they reach the handlers. Paths outside the contract pass through
// untouched so health and auth endpoints keep working.
func newOpenAPIMiddleware(logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			// Validation consumes the body, so buffer and restore it.
			var body []byte
			if r.Body != nil {
				body, err = io.ReadAll(io.LimitReader(r.Body, 4<<20))
				if err != nil {
					writeValidationError(w, r, "invalid_body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
				logger.Warn("request failed contract validation",
					"method", r.Method, "path", r.URL.Path,
					"request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
				writeValidationError(w, r, "contract_violation")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}, nil
}

func writeValidationError(w http.ResponseWriter, r *http.Request, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"` + code + `","request_id":"` + r.Header.Get("X-Request-Id") + `"}` + "\n"))
}
