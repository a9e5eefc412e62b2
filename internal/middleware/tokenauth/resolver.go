// Package tokenauth resolves the caller's identity from a bearer token:
// local signature check, then the shared identity cache, then the remote
// authentication service.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/identity"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/variables"
	"github.com/wudi/gatekeeper/internal/workerpool"
)

// Resolver turns an Authorization header into an Identity.
type Resolver struct {
	verifier  *Verifier
	store     cache.Store
	remote    identity.Validator
	pool      *workerpool.Pool
	keyPrefix string
	local     *expirable.LRU[string, *identity.Identity]
	flight    singleflight.Group
	metrics   *metrics.Collector
}

// NewResolver wires the resolver's collaborators. The local cache is only
// created when auth.local_cache_ttl is positive.
func NewResolver(cfg config.AuthConfig, verifier *Verifier, store cache.Store, remote identity.Validator, pool *workerpool.Pool, m *metrics.Collector) *Resolver {
	r := &Resolver{
		verifier:  verifier,
		store:     store,
		remote:    remote,
		pool:      pool,
		keyPrefix: cfg.CacheKeyPrefix,
		metrics:   m,
	}
	if r.keyPrefix == "" {
		r.keyPrefix = "auth:identity:"
	}
	if cfg.LocalCacheTTL > 0 {
		size := cfg.LocalCacheSize
		if size <= 0 {
			size = 10000
		}
		r.local = expirable.NewLRU[string, *identity.Identity](size, nil, cfg.LocalCacheTTL)
	}
	return r
}

// CacheKey returns the shared cache key for a user id.
func (r *Resolver) CacheKey(userID string) string {
	return r.keyPrefix + userID
}

// ExtractToken strips an optional case-insensitive "Bearer " prefix. A bare
// "Bearer" scheme with no credential yields "".
func ExtractToken(header string) string {
	token := strings.TrimSpace(header)
	if strings.EqualFold(token, "bearer") {
		return ""
	}
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// Resolve runs EXTRACT, LOCAL_VALIDATE, CACHE_LOOKUP and, on a miss,
// REMOTE_VALIDATE. Unexpected failures surface as KindServiceError.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (id *identity.Identity, aerr *AuthError) {
	ctx, span := otel.Tracer("gatekeeper/tokenauth").Start(ctx, "tokenauth.resolve")
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			id = nil
			aerr = newAuthError(KindServiceError, MsgServiceError, fmt.Errorf("panic: %v", rec))
		}
		if aerr != nil {
			span.SetAttributes(attribute.String("auth.failure", string(aerr.Kind)))
			if aerr.Kind == KindServiceError {
				r.metrics.RecordAuth("error")
				variables.Logger(ctx).Error("token resolution failed", zap.Error(aerr))
			} else {
				r.metrics.RecordAuth("rejected")
			}
		}
	}()

	token := ExtractToken(authorization)
	if token == "" {
		return nil, newAuthError(KindMissingToken, MsgMissingToken, nil)
	}

	subject, aerr := r.verifier.Verify(token)
	if aerr != nil {
		return nil, aerr
	}
	span.SetAttributes(attribute.String("auth.subject", subject))

	if r.local != nil {
		if cached, ok := r.local.Get(subject); ok {
			r.metrics.RecordAuth("local")
			return cached.Clone(), nil
		}
	}

	if cached := r.lookupCache(ctx, subject); cached != nil {
		r.remember(subject, cached)
		r.metrics.RecordAuth("cache")
		return cached, nil
	}

	id, aerr = r.validateRemote(ctx, token)
	if aerr != nil {
		return nil, aerr
	}
	if id.UserID != subject {
		return nil, newAuthError(KindServiceError, MsgServiceError,
			fmt.Errorf("remote identity %q does not match token subject %q", id.UserID, subject))
	}
	r.remember(subject, id)
	r.metrics.RecordAuth("remote")
	return id, nil
}

// lookupCache returns a trusted cached identity, or nil on any kind of miss.
// Corrupt entries are deleted; invalid ones are left for the remote side.
func (r *Resolver) lookupCache(ctx context.Context, subject string) *identity.Identity {
	key := r.CacheKey(subject)
	data, err := r.get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		variables.Logger(ctx).Warn("identity cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}

	id, err := DecodeIdentity(data, subject)
	if err != nil {
		r.metrics.RecordCorruptCacheEntry()
		variables.Logger(ctx).Warn("discarding corrupt cached identity", zap.String("key", key), zap.Error(err))
		if derr := r.del(ctx, key); derr != nil {
			variables.Logger(ctx).Warn("failed to delete corrupt cached identity", zap.String("key", key), zap.Error(derr))
		}
		return nil
	}
	if !id.Valid {
		return nil
	}
	return id
}

func (r *Resolver) get(ctx context.Context, key string) ([]byte, error) {
	return workerpool.Do(ctx, r.pool, func(ctx context.Context) ([]byte, error) {
		return r.store.Get(ctx, key)
	})
}

func (r *Resolver) del(ctx context.Context, key string) error {
	_, err := workerpool.Do(ctx, r.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.Delete(ctx, key)
	})
	return err
}

// validateRemote calls the authentication service once per token no matter
// how many requests carry it concurrently.
func (r *Resolver) validateRemote(ctx context.Context, token string) (*identity.Identity, *AuthError) {
	ch := r.flight.DoChan(token, func() (interface{}, error) {
		callCtx := context.WithoutCancel(ctx)
		return workerpool.Do(callCtx, r.pool, func(ctx context.Context) (*identity.Response, error) {
			return r.remote.Validate(ctx, token)
		})
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, newAuthError(KindServiceError, MsgServiceError, ctx.Err())
	}
	if res.Err != nil {
		return nil, newAuthError(KindServiceError, MsgServiceError, res.Err)
	}

	resp, _ := res.Val.(*identity.Response)
	if resp == nil {
		return nil, newAuthError(KindRemoteRejected, MsgRemoteRejected, nil)
	}
	if !resp.Valid {
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = MsgRemoteRejected
		}
		return nil, newAuthError(KindRemoteRejected, msg, nil)
	}
	id := resp.Identity()
	if id.UserID == "" {
		return nil, newAuthError(KindServiceError, MsgServiceError, fmt.Errorf("remote identity has no userId"))
	}
	return id, nil
}

func (r *Resolver) remember(subject string, id *identity.Identity) {
	if r.local == nil || !id.Valid {
		return
	}
	c := id.Clone()
	c.Source = identity.SourceCache
	r.local.Add(subject, c)
}

// Purge drops locally cached identities.
func (r *Resolver) Purge() {
	if r.local != nil {
		r.local.Purge()
	}
}

// LocalLen returns the number of locally cached identities.
func (r *Resolver) LocalLen() int {
	if r.local == nil {
		return 0
	}
	return r.local.Len()
}

// Close releases the verifier's background resources.
func (r *Resolver) Close() {
	r.verifier.Close()
}
