package tokenauth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSProvider fetches and caches JSON Web Key Sets for JWT validation.
type JWKSProvider struct {
	cache  *jwk.Cache
	url    string
	cancel context.CancelFunc
}

// NewJWKSProvider registers jwksURL and performs the first fetch so a bad
// URL fails at startup rather than on the first request.
func NewJWKSProvider(jwksURL string, refreshInterval time.Duration) (*JWKSProvider, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	defer fetchCancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{cache: cache, url: jwksURL, cancel: cancel}, nil
}

// KeyFunc resolves the verification key by the token's kid header, or the
// first key of the set when the header has none.
func (p *JWKSProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}

		var key jwk.Key
		if kid, _ := token.Header["kid"].(string); kid != "" {
			found, ok := keySet.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("key %q not found in JWKS", kid)
			}
			key = found
		} else {
			first, ok := keySet.Key(0)
			if !ok {
				return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
			}
			key = first
		}

		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to extract raw key: %w", err)
		}
		return raw, nil
	}
}

// Close stops the background refresh goroutine.
func (p *JWKSProvider) Close() {
	p.cancel()
}
