// Package scopes implements the case-insensitive permission set used to match
// requested scopes against cached credentials.
package scopes

import (
	"strings"

	"github.com/goliatone/go-auth-cache/core"
)

const (
	OpenID        = "openid"
	Profile       = "profile"
	OfflineAccess = "offline_access"
	Email         = "email"
)

// OIDCDefaultScopes are appended to every token request and stripped when
// matching cache entries.
var OIDCDefaultScopes = []string{OpenID, Profile, OfflineAccess}

// Set is an insertion-ordered, case-insensitive set of scopes. The original
// spelling of the first occurrence is kept for printing.
type Set struct {
	order []string
	items map[string]string
}

// New builds a set from raw scopes, trimming and dropping empty entries.
// It fails with a configuration error when nothing remains.
func New(input []string) (*Set, error) {
	set := newEmpty()
	for _, scope := range input {
		set.add(scope)
	}
	if set.Len() == 0 {
		return nil, core.ConfigurationError(core.CodeEmptyScopes, "scopes cannot be empty")
	}
	return set, nil
}

// Parse builds a set from a space-delimited scope string.
func Parse(value string) (*Set, error) {
	return New(strings.Fields(value))
}

// FromString behaves like Parse but returns an empty set for empty input.
// Used when reading cached targets that may be malformed.
func FromString(value string) *Set {
	set := newEmpty()
	for _, scope := range strings.Fields(value) {
		set.add(scope)
	}
	return set
}

// CreateSearchScopes returns the scopes used to look up cached tokens. Empty
// input defaults to the OIDC scopes. OIDC scopes are stripped unless they are
// the only scopes, in which case only offline_access is dropped.
func CreateSearchScopes(input []string) *Set {
	set := newEmpty()
	for _, scope := range input {
		set.add(scope)
	}
	if set.Len() == 0 {
		for _, scope := range OIDCDefaultScopes {
			set.add(scope)
		}
	}
	if set.ContainsOnlyOIDCScopes() {
		set.Remove(OfflineAccess)
	} else {
		set.RemoveOIDCScopes()
	}
	return set
}

func newEmpty() *Set {
	return &Set{items: map[string]string{}}
}

func (s *Set) add(scope string) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return
	}
	key := strings.ToLower(scope)
	if _, ok := s.items[key]; ok {
		return
	}
	s.items[key] = scope
	s.order = append(s.order, key)
}

func (s *Set) Clone() *Set {
	out := newEmpty()
	if s == nil {
		return out
	}
	for _, key := range s.order {
		out.items[key] = s.items[key]
		out.order = append(out.order, key)
	}
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Contains reports whether scope is in the set, ignoring case.
func (s *Set) Contains(scope string) bool {
	if s == nil {
		return false
	}
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return false
	}
	_, ok := s.items[scope]
	return ok
}

// ContainsSet reports whether every scope in other is present in s.
func (s *Set) ContainsSet(other *Set) bool {
	if other == nil || other.Len() == 0 {
		return false
	}
	if s.Len() < other.Len() {
		return false
	}
	for _, key := range other.order {
		if !s.Contains(key) {
			return false
		}
	}
	return true
}

func (s *Set) ContainsOnlyOIDCScopes() bool {
	if s.Len() == 0 {
		return false
	}
	for _, key := range s.order {
		if !isOIDCScope(key) {
			return false
		}
	}
	return true
}

// Append adds scope, ignoring blanks and duplicates.
func (s *Set) Append(scope string) {
	if s == nil {
		return
	}
	s.add(scope)
}

func (s *Set) AppendAll(scopes []string) {
	for _, scope := range scopes {
		s.Append(scope)
	}
}

// Remove deletes scope. Removing an empty scope is a programmer error and
// panics, matching the contract of the token cache.
func (s *Set) Remove(scope string) {
	if strings.TrimSpace(scope) == "" {
		panic("scopes: cannot remove an empty scope")
	}
	if s == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(scope))
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, existing := range s.order {
		if existing == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Set) RemoveOIDCScopes() {
	for _, scope := range OIDCDefaultScopes {
		s.Remove(scope)
	}
}

// Union returns a new set holding scopes from both sets.
func (s *Set) Union(other *Set) *Set {
	out := s.Clone()
	if other == nil {
		return out
	}
	for _, key := range other.order {
		out.add(other.items[key])
	}
	return out
}

// Intersects reports whether the sets share a non-default scope. OIDC scopes
// are stripped from other unless they are all it holds.
func (s *Set) Intersects(other *Set) bool {
	if s.Len() == 0 || other.Len() == 0 {
		return false
	}
	candidate := other.Clone()
	if !candidate.ContainsOnlyOIDCScopes() {
		candidate.RemoveOIDCScopes()
	}
	union := s.Union(candidate)
	return union.Len() < s.Len()+candidate.Len()
}

// Slice returns the scopes in insertion order using their original spelling.
func (s *Set) Slice() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.items[key])
	}
	return out
}

// LowerSlice returns the normalized scopes in insertion order.
func (s *Set) LowerSlice() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

func (s *Set) String() string {
	return strings.Join(s.Slice(), " ")
}

// LowerString is the space-delimited form used in cache keys and targets.
func (s *Set) LowerString() string {
	return strings.Join(s.LowerSlice(), " ")
}

func isOIDCScope(scope string) bool {
	for _, candidate := range OIDCDefaultScopes {
		if scope == candidate {
			return true
		}
	}
	return false
}
