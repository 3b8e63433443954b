package stability

import (
	"errors"
	"strings"
	"sync"
)

// Capability names a privileged engine operation class.
type Capability string

const (
	// CapabilityOracleUpdater may submit prices and register feed signers.
	CapabilityOracleUpdater Capability = "oracle.updater"
	// CapabilityReserveManager may deposit, withdraw and tune reserve parameters.
	CapabilityReserveManager Capability = "reserve.manager"
	// CapabilityBurner may report token burns for reserve crediting. Held by
	// the token contract, not by operators.
	CapabilityBurner Capability = "reserve.burner"
	// CapabilityGuardian may pause, initiate recovery and approve recovery votes.
	CapabilityGuardian Capability = "breaker.guardian"
	// CapabilityRiskOfficer may place addresses in cooldown.
	CapabilityRiskOfficer Capability = "guard.risk"
)

// ErrCapabilityRequired indicates the caller lacks the capability an
// operation demands.
var ErrCapabilityRequired = errors.New("stability: capability required")

// Roles is an in-memory capability registry. Membership is supplied at
// process start from configuration and may be adjusted at runtime by an
// operator holding the reserve manager capability.
type Roles struct {
	mu      sync.RWMutex
	members map[Capability]map[[20]byte]struct{}
}

// NewRoles constructs an empty registry.
func NewRoles() *Roles {
	return &Roles{members: make(map[Capability]map[[20]byte]struct{})}
}

// Grant adds the address to the capability set.
func (r *Roles) Grant(capability Capability, addr [20]byte) {
	if r == nil || strings.TrimSpace(string(capability)) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[capability]
	if !ok {
		set = make(map[[20]byte]struct{})
		r.members[capability] = set
	}
	set[addr] = struct{}{}
}

// Revoke removes the address from the capability set.
func (r *Roles) Revoke(capability Capability, addr [20]byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.members[capability]; ok {
		delete(set, addr)
	}
}

// Has reports whether the address holds the capability.
func (r *Roles) Has(capability Capability, addr [20]byte) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[capability]
	if !ok {
		return false
	}
	_, ok = set[addr]
	return ok
}

// Require returns ErrCapabilityRequired unless the address holds the
// capability.
func (r *Roles) Require(capability Capability, addr [20]byte) error {
	if r.Has(capability, addr) {
		return nil
	}
	return ErrCapabilityRequired
}
