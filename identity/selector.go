package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/everyauth/everyauth-go/tags"
)

// IDPrefix is the reserved prefix of identity ids on the wire.
const IDPrefix = "idn-"

// Selector names which identity a caller wants resolved. Construct one with
// ByID, ByUser, ByUserTenant, or ByTags; the zero value selects nothing and
// is rejected by operations that could otherwise match everything.
type Selector struct {
	id string
	ts tags.Set
}

// ByID selects a specific identity by its literal id.
func ByID(identityID string) Selector {
	return Selector{id: identityID}
}

// ByUser selects the identity belonging to a user, across all tenants.
func ByUser(userID string) Selector {
	return Selector{ts: tags.Set{tags.UserKey: tags.String(userID)}}
}

// ByUserTenant selects the identity belonging to a user within one tenant.
func ByUserTenant(userID, tenantID string) Selector {
	return Selector{ts: tags.Set{
		tags.UserKey:   tags.String(userID),
		tags.TenantKey: tags.String(tenantID),
	}}
}

// ByTags selects identities by an arbitrary tag set.
func ByTags(ts tags.Set) Selector {
	return Selector{ts: ts.Clone()}
}

// ParseSelector converts a bare string into a Selector using the wire
// convention: strings carrying the identity id prefix are treated as ids,
// anything else as a userId. New code should call the explicit constructors.
func ParseSelector(s string) Selector {
	if strings.HasPrefix(s, IDPrefix) {
		return ByID(s)
	}
	return ByUser(s)
}

// IsZero reports whether the selector carries no criteria at all.
func (s Selector) IsZero() bool {
	return s.id == "" && len(s.ts) == 0
}

// ID returns the literal identity id, or "" for tag-based selectors.
func (s Selector) ID() string {
	return s.id
}

// Tags returns the tag criteria, or nil for id-based selectors.
func (s Selector) Tags() tags.Set {
	return s.ts
}

// String renders the selector for error messages and logs.
func (s Selector) String() string {
	if s.id != "" {
		return s.id
	}
	keys := make([]string, 0, len(s.ts))
	for k := range s.ts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := s.ts[k]
		switch {
		case v.IsAny():
			parts = append(parts, k+"=*")
		case v.IsNull():
			parts = append(parts, k+"=null")
		default:
			parts = append(parts, fmt.Sprintf("%s=%q", k, v.Str()))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
