// Package session defines structured session addresses and their canonical
// string form. Every component that keys state by conversation (the message
// queue, the conversation store, the taint budget, the scheduler) uses the
// canonical key, so two addresses that differ only in identifier map order
// must canonicalise identically.
package session

import (
	"fmt"
	"sort"
	"strings"
)

// Scope classifies where a conversation takes place.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeGroup   Scope = "group"
	ScopeChannel Scope = "channel"
	ScopeThread  Scope = "thread"
	ScopeSystem  Scope = "system"
)

// validScopes is the closed set accepted by Validate.
var validScopes = map[Scope]bool{
	ScopeDM:      true,
	ScopeGroup:   true,
	ScopeChannel: true,
	ScopeThread:  true,
	ScopeSystem:  true,
}

// Address identifies one conversation on one provider. Threads carry a Parent
// pointing at the enclosing channel session; that is the only edge in the
// address graph.
type Address struct {
	Provider    string            `json:"provider"`
	Scope       Scope             `json:"scope"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Parent      *Address          `json:"parent,omitempty"`
}

// Validate checks the address for structural correctness.
func (a Address) Validate() error {
	if strings.TrimSpace(a.Provider) == "" {
		return fmt.Errorf("session address: provider must not be empty")
	}
	if !validScopes[a.Scope] {
		return fmt.Errorf("session address: invalid scope %q", a.Scope)
	}
	if a.Scope == ScopeThread && a.Parent == nil {
		return fmt.Errorf("session address: thread scope requires a parent")
	}
	return nil
}

// Key returns the stable canonical string "provider:scope:id1:id2...".
// Identifier values are appended in key-sorted order so that two addresses
// with equal fields produce equal keys regardless of map iteration order.
// Separator characters inside identifier values are escaped so distinct
// addresses cannot collide.
func (a Address) Key() string {
	var b strings.Builder
	b.WriteString(escapeKeyPart(a.Provider))
	b.WriteByte(':')
	b.WriteString(string(a.Scope))

	keys := make([]string, 0, len(a.Identifiers))
	for k := range a.Identifiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(escapeKeyPart(a.Identifiers[k]))
	}
	return b.String()
}

// Equal reports whether two addresses canonicalise to the same key.
func (a Address) Equal(other Address) bool {
	return a.Key() == other.Key()
}

// ParentKey returns the canonical key of the enclosing session, or "" when
// the address has no parent.
func (a Address) ParentKey() string {
	if a.Parent == nil {
		return ""
	}
	return a.Parent.Key()
}

// System returns the address used for host-originated messages (scheduler
// ticks, heartbeats). Content from this address is never taint-tagged.
func System(id string) Address {
	return Address{
		Provider:    "system",
		Scope:       ScopeSystem,
		Identifiers: map[string]string{"id": id},
	}
}

// escapeKeyPart protects the ':' separator inside identifier values.
func escapeKeyPart(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ":", `\:`)
}
