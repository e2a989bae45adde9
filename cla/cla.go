// Package cla declares the minimal convergence-layer adapter coupling
// point the cache core requires: nothing beyond posting flag changes onto
// a flow (spec.md §6). Everything else a real CLA does — link
// establishment, contact scheduling, framing — is out of scope here.
package cla

import "github.com/nasa-bplib/bpcache/flow"

// Egress is satisfied directly by *flow.Flow; it exists as a named type
// so callers can depend on the coupling contract without importing the
// flow package's full surface.
type Egress interface {
	ModifyFlags(set, clear uint32)
}

var _ Egress = (*flow.Flow)(nil)

// Link-state bits an egress convergence-layer adapter toggles on its
// flow to signal transmit readiness (spec.md §4.D).
const (
	FlagLinkUp uint32 = 1 << iota
	FlagCongested
)
