// Package tags implements the key/value label model the broker uses as its
// sole query mechanism for sessions, installs, and identities.
package tags

import (
	"encoding/json"
	"net/url"
	"sort"
)

// Well-known tag keys recognised by the broker backend.
const (
	ServiceKey = "everyauth.service"
	UserKey    = "fusebit.userId"
	TenantKey  = "fusebit.tenantId"
	SessionKey = "session.master"
	VersionKey = "everyauth.version"
)

type valueKind int

const (
	kindString valueKind = iota
	kindNull
	kindAny
)

// Value is one tag value. A value is either a concrete string, Null
// ("key present and explicitly null"), or Any ("key present with any value,
// including null"). Omitting a key from a Set entirely means the search does
// not filter on that key at all, which is a wider match than Any.
type Value struct {
	kind valueKind
	str  string
}

// Null matches records whose tag is present and explicitly null.
var Null = Value{kind: kindNull}

// Any matches records whose tag is present, whatever its value.
var Any = Value{kind: kindAny}

// String returns a Value matching records whose tag equals s.
func String(s string) Value {
	return Value{kind: kindString, str: s}
}

// Str returns the concrete string value, or "" for Null and Any.
func (v Value) Str() string {
	return v.str
}

// IsNull reports whether the value is the explicit null marker.
func (v Value) IsNull() bool {
	return v.kind == kindNull
}

// IsAny reports whether the value is the wildcard marker.
func (v Value) IsAny() bool {
	return v.kind == kindAny
}

// MarshalJSON renders concrete strings as JSON strings and Null as JSON null.
// Any has no JSON form; it is a search-only marker and also renders as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind != kindString {
		return []byte("null"), nil
	}
	return json.Marshal(v.str)
}

// UnmarshalJSON accepts the broker's representation of a stored tag, which is
// either a string or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = String(s)
	return nil
}

// Set is a tag set attached to, or used to search for, a durable record.
type Set map[string]Value

// New builds a Set of concrete string tags.
func New(pairs map[string]string) Set {
	ts := make(Set, len(pairs))
	for k, v := range pairs {
		ts[k] = String(v)
	}
	return ts
}

// Clone returns a copy of the set that can be mutated independently.
func (ts Set) Clone() Set {
	out := make(Set, len(ts))
	for k, v := range ts {
		out[k] = v
	}
	return out
}

// Get returns the concrete string value for key, or "" when the key is
// absent, null, or a wildcard.
func (ts Set) Get(key string) string {
	return ts[key].str
}

// Strings converts the set to a plain string map, dropping Null and Any
// markers. Used when attaching tags to a record at creation time.
func (ts Set) Strings() map[string]string {
	out := make(map[string]string, len(ts))
	for k, v := range ts {
		if v.kind == kindString {
			out[k] = v.str
		}
	}
	return out
}

// Encode appends the set to q as broker tag query parameters. Each concrete
// tag becomes tag=key=value, an explicit null becomes tag=key=null, and a
// wildcard becomes the key-only form tag=key. Key-only wildcards come first,
// then valued tags, each group in sorted key order, so the same set always
// produces the same query string.
func (ts Set) Encode(q url.Values) {
	var wildcards, valued []string
	for k, v := range ts {
		if v.kind == kindAny {
			wildcards = append(wildcards, k)
		} else {
			valued = append(valued, k)
		}
	}
	sort.Strings(wildcards)
	sort.Strings(valued)

	for _, k := range wildcards {
		q.Add("tag", k)
	}
	for _, k := range valued {
		v := ts[k]
		if v.kind == kindNull {
			q.Add("tag", k+"=null")
		} else {
			q.Add("tag", k+"="+v.str)
		}
	}
}
