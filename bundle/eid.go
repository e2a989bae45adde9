// Package bundle implements the BPv7 bundle representation of spec.md §4.C:
// a primary block owning a canonical-block list and a chunk list, built on
// top of the pool package's typed blocks.
package bundle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EID is an ipn-scheme endpoint identifier: a (node, service) tuple.
type EID struct {
	Node    uint64
	Service uint64
}

// String renders e as "ipn:node.service".
func (e EID) String() string {
	return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
}

// ParseEID parses an "ipn:node.service" string.
func ParseEID(s string) (EID, error) {
	const prefix = "ipn:"
	if !strings.HasPrefix(s, prefix) {
		return EID{}, errors.Errorf("eid: missing ipn: scheme in %q", s)
	}
	rest := strings.TrimPrefix(s, prefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return EID{}, errors.Errorf("eid: malformed ipn tuple in %q", s)
	}
	node, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return EID{}, errors.Wrapf(err, "eid: bad node number in %q", s)
	}
	service, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return EID{}, errors.Wrapf(err, "eid: bad service number in %q", s)
	}
	return EID{Node: node, Service: service}, nil
}
