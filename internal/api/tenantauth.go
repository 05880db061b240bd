package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/hub"
)

const tokenIssuer = "hostrd"

// MaxTokenTTL bounds the lifetime of an issued tenant token.
const MaxTokenTTL = 7 * 24 * time.Hour

var ErrNoTenants = errors.New("token grants no tenants")

// TenantClaims are the claims of a tenant access token: the staff member (or
// device) it was issued to and the properties it may subscribe to.
type TenantClaims struct {
	Tenants []string `json:"tenants"`
	jwt.RegisteredClaims
}

// TenantTokens issues and verifies HS256 tenant access tokens.
type TenantTokens struct {
	key []byte
	now func() time.Time
}

func NewTenantTokens(key string) *TenantTokens {
	return &TenantTokens{key: []byte(key), now: time.Now}
}

// Issue signs a token for subject granting tenants, valid for ttl.
func (t *TenantTokens) Issue(subject string, tenants []string, ttl time.Duration) (string, time.Time, error) {
	if len(tenants) == 0 {
		return "", time.Time{}, ErrNoTenants
	}
	now := t.now()
	exp := now.Add(ttl)
	claims := TenantClaims{
		Tenants: tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing tenant token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses tokenString and returns its claims. Tokens must be HS256,
// issued by hostrd, unexpired and grant at least one tenant.
func (t *TenantTokens) Verify(tokenString string) (*TenantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TenantClaims{}, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*TenantClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if len(claims.Tenants) == 0 {
		return nil, ErrNoTenants
	}
	return claims, nil
}

// TenantAuth authenticates the request with a tenant token and puts the
// granted tenants on the context for hub.PrincipalAuthorizer. Browsers cannot
// set headers on a websocket upgrade, so the token is also accepted as the
// access_token query parameter.
func TenantAuth(tokens *TenantTokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.URL.Query().Get("access_token")
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				raw = strings.TrimPrefix(auth, "Bearer ")
			}
			if raw == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing tenant token")
				return
			}
			claims, err := tokens.Verify(raw)
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid tenant token")
				return
			}
			next.ServeHTTP(w, r.WithContext(hub.WithTenants(r.Context(), claims.Tenants...)))
		})
	}
}

type IssueTokenRequest struct {
	Subject string   `json:"subject"`
	Tenants []string `json:"tenants"`
	TTL     string   `json:"ttl,omitempty"` // Go duration, default 12h
}

type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func handleIssueToken(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IssueTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Subject == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject is required")
			return
		}
		if len(req.Tenants) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one tenant is required")
			return
		}
		ttl := 12 * time.Hour
		if req.TTL != "" {
			d, err := time.ParseDuration(req.TTL)
			if err != nil || d <= 0 || d > MaxTokenTTL {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "ttl must be a duration between 0 and %s", MaxTokenTTL)
				return
			}
			ttl = d
		}

		token, exp, err := deps.Tokens.Issue(req.Subject, req.Tenants, ttl)
		if err != nil {
			deps.Logger.Error("issuing tenant token", zap.String("subject", req.Subject), zap.Error(err))
			httpError(w, http.StatusInternalServerError, "api_error", "could not issue token")
			return
		}
		writeJSON(w, http.StatusOK, IssueTokenResponse{Token: token, ExpiresAt: exp})
	}
}
