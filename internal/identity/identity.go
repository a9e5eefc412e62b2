// Package identity holds the caller identity resolved from a bearer token and
// the client for the remote authentication service that vouches for it.
package identity

import (
	"slices"
	"strings"
)

// Source records where an identity was resolved from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID      string   `json:"userId"`
	UserName    string   `json:"userName"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Valid       bool     `json:"valid"`
	Source      Source   `json:"-"`
}

// Normalize trims, dedupes and sorts roles and permissions. An invalid
// identity carries no grants.
func (id *Identity) Normalize() *Identity {
	if id == nil {
		return nil
	}
	id.UserID = strings.TrimSpace(id.UserID)
	if !id.Valid {
		id.Roles = nil
		id.Permissions = nil
		return id
	}
	id.Roles = normalizeSet(id.Roles)
	id.Permissions = normalizeSet(id.Permissions)
	return id
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	c := *id
	c.Roles = slices.Clone(id.Roles)
	c.Permissions = slices.Clone(id.Permissions)
	return &c
}
