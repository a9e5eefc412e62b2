package accessgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/errors"
)

// Scope is the blacklist dimension an entry applies to.
type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
	ScopePath Scope = "path"
)

// Origin tells static configuration apart from cache entries.
type Origin string

const (
	OriginStatic  Origin = "static"
	OriginDynamic Origin = "dynamic"
)

// Entry is one blacklist rule. Static entries never expire; dynamic entries
// always carry a TTL.
type Entry struct {
	Scope   Scope         `json:"scope"`
	Pattern string        `json:"pattern"`
	Origin  Origin        `json:"origin"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// MarshalJSON renders the TTL in seconds.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Scope   Scope  `json:"scope"`
		Pattern string `json:"pattern"`
		Origin  Origin `json:"origin"`
		TTL     int64  `json:"ttl_seconds,omitempty"`
	}{e.Scope, e.Pattern, e.Origin, int64(e.TTL / time.Second)})
}

// isGlob reports whether a path pattern needs glob matching.
func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// patternID derives a stable cache key id for a path glob.
func patternID(pattern string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(pattern))
}

// Validate checks an entry before it is written.
func Validate(e Entry) error {
	if strings.TrimSpace(e.Pattern) == "" {
		return fmt.Errorf("accessgate: empty pattern")
	}
	switch e.Scope {
	case ScopeIP, ScopeUser:
		return nil
	case ScopePath:
		if !doublestar.ValidatePattern(e.Pattern) {
			return fmt.Errorf("accessgate: invalid path pattern %q", e.Pattern)
		}
		return nil
	default:
		return fmt.Errorf("accessgate: unknown scope %q", e.Scope)
	}
}

// Block writes a dynamic entry. A TTL <= 0 takes the configured default.
func (g *Gate) Block(ctx context.Context, e Entry) error {
	if err := Validate(e); err != nil {
		return err
	}
	e.Pattern = strings.TrimSpace(e.Pattern)
	ttl := e.TTL
	if ttl <= 0 {
		ttl = g.defaultTTL
	}

	switch e.Scope {
	case ScopeIP:
		return g.store.Set(ctx, KeyIP(normalizeIP(e.Pattern)), []byte("1"), ttl)
	case ScopeUser:
		return g.store.Set(ctx, KeyUser(e.Pattern), []byte("1"), ttl)
	case ScopePath:
		if isGlob(e.Pattern) {
			return g.store.Set(ctx, KeyPathPattern(patternID(e.Pattern)), []byte(e.Pattern), ttl)
		}
		return g.store.Set(ctx, KeyPathExact(e.Pattern), []byte("1"), ttl)
	default:
		return fmt.Errorf("accessgate: unknown scope %q", e.Scope)
	}
}

// Unblock removes a dynamic entry. Static entries are untouched.
func (g *Gate) Unblock(ctx context.Context, scope Scope, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	switch scope {
	case ScopeIP:
		return g.store.Delete(ctx, KeyIP(normalizeIP(pattern)))
	case ScopeUser:
		return g.store.Delete(ctx, KeyUser(pattern))
	case ScopePath:
		if !isGlob(pattern) {
			return g.store.Delete(ctx, KeyPathExact(pattern))
		}
		// entries written by other tools may use their own ids
		patterns, err := g.patterns(ctx)
		if err != nil {
			return err
		}
		for key, p := range patterns {
			if p == pattern {
				if err := g.store.Delete(ctx, key); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("accessgate: unknown scope %q", scope)
	}
}

// List returns static entries followed by the dynamic ones in the cache.
func (g *Gate) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for ip := range g.staticIPs {
		out = append(out, Entry{Scope: ScopeIP, Pattern: ip, Origin: OriginStatic})
	}
	for _, p := range g.staticPaths {
		out = append(out, Entry{Scope: ScopePath, Pattern: p, Origin: OriginStatic})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Pattern < out[j].Pattern
	})

	keys, err := g.store.Scan(ctx, KeyPrefix)
	if err != nil {
		return out, err
	}
	sort.Strings(keys)
	patterns, err := g.patterns(ctx)
	if err != nil {
		return out, err
	}

	for _, key := range keys {
		e := Entry{Origin: OriginDynamic}
		switch {
		case strings.HasPrefix(key, ipKeyPrefix):
			e.Scope, e.Pattern = ScopeIP, strings.TrimPrefix(key, ipKeyPrefix)
		case strings.HasPrefix(key, userKeyPrefix):
			e.Scope, e.Pattern = ScopeUser, strings.TrimPrefix(key, userKeyPrefix)
		case strings.HasPrefix(key, pathExactKeyPrefix):
			e.Scope, e.Pattern = ScopePath, strings.TrimPrefix(key, pathExactKeyPrefix)
		case strings.HasPrefix(key, pathPatternKeyPrefix):
			p, ok := patterns[key]
			if !ok {
				continue
			}
			e.Scope, e.Pattern = ScopePath, p
		default:
			continue
		}
		ttl, err := g.store.TTL(ctx, key)
		if err == cache.ErrNotFound {
			continue
		}
		if err != nil {
			return out, err
		}
		e.TTL = ttl
		out = append(out, e)
	}
	return out, nil
}

type blockRequest struct {
	Scope      Scope  `json:"scope"`
	Pattern    string `json:"pattern"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Handler serves the admin API: GET lists, POST blocks, DELETE unblocks
// (?scope=&pattern=).
func (g *Gate) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			entries, err := g.List(r.Context())
			if err != nil {
				errors.ErrServiceUnavailable.WithMessage("blacklist store unavailable").WriteJSON(w)
				return
			}
			if entries == nil {
				entries = []Entry{}
			}
			json.NewEncoder(w).Encode(entries)

		case http.MethodPost:
			var req blockRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				errors.ErrBadRequest.WithMessage("invalid JSON").WriteJSON(w)
				return
			}
			e := Entry{Scope: req.Scope, Pattern: strings.TrimSpace(req.Pattern), Origin: OriginDynamic, TTL: time.Duration(req.TTLSeconds) * time.Second}
			if err := Validate(e); err != nil {
				errors.ErrBadRequest.WithMessage(err.Error()).WriteJSON(w)
				return
			}
			if e.TTL <= 0 {
				e.TTL = g.defaultTTL
			}
			if err := g.Block(r.Context(), e); err != nil {
				errors.ErrServiceUnavailable.WithMessage("blacklist store unavailable").WriteJSON(w)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(e)

		case http.MethodDelete:
			q := r.URL.Query()
			e := Entry{Scope: Scope(q.Get("scope")), Pattern: q.Get("pattern")}
			if err := Validate(e); err != nil {
				errors.ErrBadRequest.WithMessage(err.Error()).WriteJSON(w)
				return
			}
			if err := g.Unblock(r.Context(), e.Scope, e.Pattern); err != nil {
				errors.ErrServiceUnavailable.WithMessage("blacklist store unavailable").WriteJSON(w)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			errors.ErrMethodNotAllowed.WriteJSON(w)
		}
	})
}
