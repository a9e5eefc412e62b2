package tokenauth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wudi/gatekeeper/internal/identity"
)

// cacheSchemaVersion is the only cached identity layout understood.
const cacheSchemaVersion = 1

type cachedIdentity struct {
	V           int      `json:"v"`
	UserID      string   `json:"userId"`
	UserName    string   `json:"userName"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Valid       bool     `json:"valid"`
}

// EncodeIdentity renders id in the cache layout written by the
// authentication service.
func EncodeIdentity(id *identity.Identity) ([]byte, error) {
	return json.Marshal(cachedIdentity{
		V:           cacheSchemaVersion,
		UserID:      id.UserID,
		UserName:    id.UserName,
		Roles:       id.Roles,
		Permissions: id.Permissions,
		Valid:       id.Valid,
	})
}

// DecodeIdentity parses a cached entry for subject. Any deviation from the
// schema is an error; it never panics.
func DecodeIdentity(data []byte, subject string) (*identity.Identity, error) {
	var c cachedIdentity
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding cached identity: %w", err)
	}
	if c.V != cacheSchemaVersion {
		return nil, fmt.Errorf("unsupported cached identity version %d", c.V)
	}
	uid := strings.TrimSpace(c.UserID)
	if uid == "" {
		return nil, fmt.Errorf("cached identity has no userId")
	}
	if uid != subject {
		return nil, fmt.Errorf("cached identity belongs to %q", uid)
	}
	id := &identity.Identity{
		UserID:      uid,
		UserName:    c.UserName,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		Valid:       c.Valid,
		Source:      identity.SourceCache,
	}
	return id.Normalize(), nil
}
