// Package authtoken verifies the short-lived admission token a participant
// presents on join. End-user authorization is an explicit upstream concern
// (§1 non-goals); this package only confirms the bearer holds a token minted
// by that upstream REST layer, which is signature verification, not policy.
package authtoken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Claims is the subset of the admission token's claims the broker reads.
// Subject carries the participant identity (client-*/coach-*/ai-*); the
// upstream authority is responsible for having already validated that the
// bearer is entitled to present that identity.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Validator is satisfied by both the JWKS-backed production implementation
// and a development stand-in.
type Validator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// JWKSValidator verifies RS256-family admission tokens against a JWKS
// endpoint, refreshed on a cache.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewJWKSValidator constructs a Validator backed by the JWKS endpoint at
// https://<domain>/.well-known/jwks.json, fetching keys once up front to
// fail fast on misconfiguration.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and verifies the token's signature, issuer, and audience.
func (v *JWKSValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admission token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("admission token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims")
	}
	return claims, nil
}

// DevValidator accepts any token string without verifying a signature, for
// local development only. When the string carries a decodable JWT payload,
// sub, name and email are taken from it; otherwise the subject defaults to
// "dev-client-1".
type DevValidator struct{}

func (d *DevValidator) ValidateToken(tokenString string) (*Claims, error) {
	var subject, name, email string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if s, ok := raw["sub"].(string); ok {
					subject = s
				}
				if n, ok := raw["name"].(string); ok {
					name = n
				}
				if e, ok := raw["email"].(string); ok {
					email = e
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-client-1"
	}

	claims := &Claims{Name: name, Email: email}
	claims.Subject = subject
	return claims, nil
}
