package access

import (
	"encoding/hex"
	"fmt"
	"sync"
)

// Role identifies a capability granted to an address.
type Role string

const (
	// RoleVaultAdmin may change vault configuration and approve requests.
	RoleVaultAdmin Role = "vault_admin"
	// RoleGreenlistOperator may toggle greenlist membership.
	RoleGreenlistOperator Role = "greenlist_operator"
	// RoleBlacklistOperator may toggle blacklist membership.
	RoleBlacklistOperator Role = "blacklist_operator"
	// RoleSanctionsAdmin may toggle sanctions membership.
	RoleSanctionsAdmin Role = "sanctions_admin"
	// RoleRedeemer fulfils the manual fiat leg of redemptions.
	RoleRedeemer Role = "redeemer"
	// RoleFeedAdmin may publish rounds on custom price feeds.
	RoleFeedAdmin Role = "feed_admin"
)

// Authorizer answers role membership questions for the vault engine.
type Authorizer interface {
	HasRole(role Role, addr [20]byte) bool
}

// Compliance exposes the membership checks performed at the top of every
// user-facing entry point.
type Compliance interface {
	IsGreenlisted(addr [20]byte) bool
	IsBlacklisted(addr [20]byte) bool
	IsSanctioned(addr [20]byte) bool
}

// Storage abstracts the persistence required by the registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Registry persists role grants and compliance list membership. It satisfies
// both Authorizer and Compliance.
type Registry struct {
	mu    sync.Mutex
	store Storage
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store Storage) *Registry {
	return &Registry{store: store}
}

// Grant records a role for the address. Granting twice is a no-op.
func (r *Registry) Grant(role Role, addr [20]byte) error {
	return r.put(roleKey(role, addr), true)
}

// Revoke removes a role from the address.
func (r *Registry) Revoke(role Role, addr [20]byte) error {
	return r.put(roleKey(role, addr), false)
}

// HasRole reports whether the address holds the role.
func (r *Registry) HasRole(role Role, addr [20]byte) bool {
	return r.get(roleKey(role, addr))
}

// SetGreenlisted toggles greenlist membership for the address.
func (r *Registry) SetGreenlisted(addr [20]byte, member bool) error {
	return r.put(listKey("greenlist", addr), member)
}

// SetBlacklisted toggles blacklist membership for the address.
func (r *Registry) SetBlacklisted(addr [20]byte, member bool) error {
	return r.put(listKey("blacklist", addr), member)
}

// SetSanctioned toggles sanctions membership for the address.
func (r *Registry) SetSanctioned(addr [20]byte, member bool) error {
	return r.put(listKey("sanctions", addr), member)
}

func (r *Registry) IsGreenlisted(addr [20]byte) bool {
	return r.get(listKey("greenlist", addr))
}

func (r *Registry) IsBlacklisted(addr [20]byte) bool {
	return r.get(listKey("blacklist", addr))
}

func (r *Registry) IsSanctioned(addr [20]byte) bool {
	return r.get(listKey("sanctions", addr))
}

func (r *Registry) put(key []byte, value bool) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("access: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.KVPut(key, value)
}

func (r *Registry) get(key []byte) bool {
	if r == nil || r.store == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var member bool
	ok, err := r.store.KVGet(key, &member)
	if err != nil || !ok {
		return false
	}
	return member
}

func roleKey(role Role, addr [20]byte) []byte {
	return []byte("access/role/" + string(role) + "/" + hex.EncodeToString(addr[:]))
}

func listKey(list string, addr [20]byte) []byte {
	return []byte("access/" + list + "/" + hex.EncodeToString(addr[:]))
}
