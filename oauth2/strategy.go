package oauth2

import (
	"context"
	"errors"
	"strings"

	"github.com/airsstack/airsstack-sub002/auth"
)

// Strategy authenticates "Authorization: Bearer <jwt>" requests. It implements auth.Adapter.
type Strategy struct {
	validator *Validator
}

var _ auth.Adapter = (*Strategy)(nil)

// NewStrategy returns a strategy backed by validator.
func NewStrategy(validator *Validator) *Strategy {
	return &Strategy{validator: validator}
}

// Method implements auth.Adapter.
func (s *Strategy) Method() string { return "oauth2" }

// SkipPath implements auth.Adapter. Discovery documents are public.
func (s *Strategy) SkipPath(path string) bool {
	return strings.HasPrefix(path, "/.well-known/")
}

// Authenticate implements auth.Adapter.
func (s *Strategy) Authenticate(ctx context.Context, req auth.HTTPAuthRequest) (*auth.Context, error) {
	header := req.Headers.Get("Authorization")
	if header == "" {
		return nil, auth.NewError(auth.ErrorMissingHeader, "bearer token required", nil)
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, auth.NewError(auth.ErrorMalformedAuth, "expected bearer token", nil)
	}

	claims, err := s.validator.Validate(ctx, token)
	if err != nil {
		var oauthErr *Error
		if errors.As(err, &oauthErr) && oauthErr.Retriable() {
			return nil, auth.NewError(auth.ErrorEngine, "token verification unavailable", err)
		}
		kind := "invalid token"
		if oauthErr != nil {
			kind = strings.ReplaceAll(oauthErr.Kind.String(), "_", " ")
		}
		return nil, auth.NewError(auth.ErrorAuthenticationFailed, kind, err)
	}

	attrs := map[string]string{"issuer": claims.Issuer}
	if claims.ClientID != "" {
		attrs["client_id"] = claims.ClientID
	}
	if claims.ID != "" {
		attrs["jti"] = claims.ID
	}
	return &auth.Context{
		Method:     s.Method(),
		Subject:    claims.Subject,
		Scopes:     claims.Scopes,
		ExpiresAt:  claims.ExpiresAt,
		Attributes: attrs,
	}, nil
}
