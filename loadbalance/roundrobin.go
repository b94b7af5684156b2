// Package loadbalance provides the endpoint rotation used by the client on reconnect.
//
// Unlike a per-call balancer, the client talks to exactly one endpoint at a time and only
// moves on when that connection is lost:
//
//	endpoints: [A, B, C]   cursor: 0 → A
//	drop → Advance() → B
//	drop → Advance() → C
//	drop → Advance() → A   (wraps modulo len)
package loadbalance

import "github.com/juju/errors"

// ErrNoEndpoints is returned for an empty endpoint list.
const ErrNoEndpoints = errors.ConstError("no endpoints available")

// Rotator is a deterministic round-robin cursor over a fixed endpoint list.
// It is not safe for concurrent use; the owner serialises access.
type Rotator struct {
	endpoints []string
	index     int
}

// NewRotator copies endpoints and places the cursor on the first one.
func NewRotator(endpoints []string) (*Rotator, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	list := make([]string, len(endpoints))
	copy(list, endpoints)
	return &Rotator{endpoints: list}, nil
}

// Current returns the endpoint under the cursor.
func (r *Rotator) Current() string {
	return r.endpoints[r.index]
}

// Advance moves the cursor forward one step and returns the new current endpoint.
// With a single endpoint it always returns that endpoint.
func (r *Rotator) Advance() string {
	r.index = (r.index + 1) % len(r.endpoints)
	return r.endpoints[r.index]
}
