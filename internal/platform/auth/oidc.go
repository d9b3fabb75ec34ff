package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Login-flow cookies live for one authorization round trip only.
const (
	stateCookie    = "draftline_oidc_state"
	verifierCookie = "draftline_oidc_verifier"
	nonceCookie    = "draftline_oidc_nonce"
	returnToCookie = "draftline_return_to"

	loginCookieTTL  = 10 * time.Minute
	exchangeTimeout = 10 * time.Second
)

// OIDCService authenticates operators against an OIDC issuer. Bearer
// tokens and the session cookie both carry a verifiable ID token.
type OIDCService struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = cookieValue(r, s.cfg.SessionCookieName)
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return s.identityFromClaims(claims), nil
}

func (s *OIDCService) identityFromClaims(claims map[string]any) Identity {
	var identity Identity
	identity.Subject, _ = claims["sub"].(string)
	identity.Email, _ = claims[s.cfg.EmailClaim].(string)

	switch roles := claims[s.cfg.RolesClaim].(type) {
	case []any:
		for _, item := range roles {
			role, ok := item.(string)
			if !ok {
				continue
			}
			role = strings.ToLower(strings.TrimSpace(role))
			if role != "" {
				identity.Roles = append(identity.Roles, role)
			}
		}
	case string:
		identity.Roles = parseCSV(roles)
	}
	return identity
}

// LoginHandler starts the authorization-code flow with PKCE. State,
// verifier and nonce are minted per login and bound to short cookies.
func (s *OIDCService) LoginHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		state, err := randomToken()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}
		verifier, err := randomToken()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}
		nonce, err := randomToken()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}

		s.setCookie(w, stateCookie, state, loginCookieTTL)
		s.setCookie(w, verifierCookie, verifier, loginCookieTTL)
		s.setCookie(w, nonceCookie, nonce, loginCookieTTL)
		s.setCookie(w, returnToCookie, sanitizeReturnTo(r.URL.Query().Get("return_to")), loginCookieTTL)

		challenge := sha256.Sum256([]byte(verifier))
		authURL := s.oauth2.AuthCodeURL(
			state,
			oauth2.AccessTypeOnline,
			oauth2.SetAuthURLParam("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:])),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
			oauth2.SetAuthURLParam("nonce", nonce),
		)
		http.Redirect(w, r, authURL, http.StatusFound)
	}, nil
}

// CallbackHandler finishes the flow: state, PKCE and nonce must all match
// the values minted at login before a session cookie is issued.
func (s *OIDCService) CallbackHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		code := query.Get("code")
		if code == "" || query.Get("state") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_code_or_state"})
			return
		}
		if state := cookieValue(r, stateCookie); state == "" || state != query.Get("state") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_state"})
			return
		}
		verifier := cookieValue(r, verifierCookie)
		nonce := cookieValue(r, nonceCookie)
		if verifier == "" || nonce == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_pkce_or_nonce"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
		defer cancel()

		token, err := s.oauth2.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "token_exchange_failed"})
			return
		}
		rawIDToken, _ := token.Extra("id_token").(string)
		if rawIDToken == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_id_token"})
			return
		}
		idToken, err := s.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_id_token"})
			return
		}

		var claims struct {
			Nonce string `json:"nonce"`
		}
		if err := idToken.Claims(&claims); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_id_token_claims"})
			return
		}
		if claims.Nonce == "" || claims.Nonce != nonce {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_nonce"})
			return
		}

		sessionTTL := s.cfg.SessionCookieMaxAge
		if sessionTTL <= 0 {
			sessionTTL = loginCookieTTL
		}
		s.setCookie(w, s.cfg.SessionCookieName, rawIDToken, sessionTTL)
		s.clearLoginCookies(w)

		http.Redirect(w, r, sanitizeReturnTo(cookieValue(r, returnToCookie)), http.StatusFound)
	}, nil
}

func (s *OIDCService) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.clearCookie(w, s.cfg.SessionCookieName)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *OIDCService) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.Authenticate(r.Context(), r)
		if err != nil {
			body := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				body = "unauthorized"
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": body})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject": identity.Subject,
			"email":   identity.Email,
			"roles":   identity.Roles,
		})
	}
}

func (s *OIDCService) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: sameSiteMode(s.cfg.SessionCookieSameSite),
	})
}

func (s *OIDCService) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: sameSiteMode(s.cfg.SessionCookieSameSite),
	})
}

func (s *OIDCService) clearLoginCookies(w http.ResponseWriter) {
	for _, name := range []string{stateCookie, verifierCookie, nonceCookie, returnToCookie} {
		s.clearCookie(w, name)
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// sanitizeReturnTo accepts only same-site absolute paths; anything else
// falls back to the root.
func sanitizeReturnTo(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func sameSiteMode(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
