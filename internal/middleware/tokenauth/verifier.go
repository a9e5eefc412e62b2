package tokenauth

import (
	"crypto"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/gatekeeper/internal/config"
)

var asymmetricMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}

// Verifier checks token signatures and registered claims without network I/O.
// JWKS keys are served from a background-refreshed cache.
type Verifier struct {
	parser   *jwt.Parser
	keyFunc  jwt.Keyfunc
	audience []string
	jwks     *JWKSProvider
}

// NewVerifier builds a verifier from secret, public key or JWKS settings.
func NewVerifier(cfg config.JWTConfig) (*Verifier, error) {
	v := &Verifier{audience: cfg.Audience}
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}

	var methods []string
	switch {
	case cfg.JWKSURL != "":
		p, err := NewJWKSProvider(cfg.JWKSURL, cfg.JWKSRefreshInterval)
		if err != nil {
			return nil, err
		}
		v.jwks = p
		v.keyFunc = p.KeyFunc()
		methods = asymmetricMethods

	case strings.HasPrefix(alg, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("tokenauth: %s requires a secret", alg)
		}
		secret := []byte(cfg.Secret)
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		methods = []string{alg}

	default:
		key, err := parsePublicKey(alg, cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		methods = []string{alg}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

func parsePublicKey(alg, pemData string) (crypto.PublicKey, error) {
	if pemData == "" {
		return nil, fmt.Errorf("tokenauth: %s requires a public key", alg)
	}
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
		if err != nil {
			return nil, fmt.Errorf("tokenauth: parsing RSA public key: %w", err)
		}
		return key, nil
	case strings.HasPrefix(alg, "ES"):
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(pemData))
		if err != nil {
			return nil, fmt.Errorf("tokenauth: parsing EC public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("tokenauth: unsupported algorithm %s", alg)
	}
}

// Verify validates the token and returns its trimmed subject.
func (v *Verifier) Verify(token string) (string, *AuthError) {
	claims := jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", newAuthError(KindInvalidToken, MsgTokenExpired, err)
		}
		return "", newAuthError(KindInvalidToken, MsgInvalidToken, err)
	}

	if len(v.audience) > 0 && !slices.ContainsFunc(claims.Audience, func(a string) bool {
		return slices.Contains(v.audience, a)
	}) {
		return "", newAuthError(KindInvalidToken, MsgInvalidToken, fmt.Errorf("audience %v not accepted", claims.Audience))
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", newAuthError(KindMalformedToken, MsgMalformedToken, nil)
	}
	return sub, nil
}

// Close stops the JWKS refresher, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.Close()
	}
}
