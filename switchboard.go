package xmsg

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/trickstertwo/xclock"
)

// Switchboard is the Address -> Endpoint routing table. It is built once at
// start-up and only read afterwards, so lookups take no lock.
type Switchboard struct {
	table map[Address]Endpoint
	clock xclock.Clock
}

// NewSwitchboard copies table into a new Switchboard. Empty addresses and
// nil endpoints are wiring defects and fail construction.
func NewSwitchboard(table map[Address]Endpoint, clock xclock.Clock) (*Switchboard, error) {
	if clock == nil {
		clock = xclock.Default()
	}
	t := make(map[Address]Endpoint, len(table))
	for addr, ep := range table {
		if !addr.Valid() {
			return nil, ErrInvalidAddress
		}
		if ep == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilEndpoint, addr)
		}
		t[addr] = ep
	}
	return &Switchboard{table: t, clock: clock}, nil
}

// Endpoint looks up the endpoint registered for addr.
func (s *Switchboard) Endpoint(addr Address) (Endpoint, bool) {
	ep, ok := s.table[addr]
	return ep, ok
}

// Addresses returns every routable address, sorted.
func (s *Switchboard) Addresses() []Address {
	return slices.Sorted(maps.Keys(s.table))
}

func (s *Switchboard) Len() int { return len(s.table) }

// Route hands env to every receiver it names. All receivers are resolved
// before the first delivery, so an unknown address fails the whole envelope
// with an UnknownReceiverError and nothing is delivered. A receiver named
// twice is delivered once. Delivery failures to individual receivers do not
// stop delivery to the others; they are joined into the returned error.
func (s *Switchboard) Route(ctx context.Context, env AnyEnvelope) error {
	if env == nil {
		return ErrNilMessage
	}
	receivers := env.Receivers()
	if len(receivers) == 0 {
		return ErrNoReceivers
	}

	type target struct {
		addr Address
		ep   Endpoint
	}
	targets := make([]target, 0, len(receivers))
	seen := make(map[Address]struct{}, len(receivers))
	for _, r := range receivers {
		ep, ok := s.table[r]
		if !ok {
			return UnknownReceiverError{Address: r}
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		targets = append(targets, target{addr: r, ep: ep})
	}

	var errs []error
	for _, t := range targets {
		if err := t.ep.Send(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", t.addr, err))
			continue
		}
		env.markOpened(s.clock.Now())
	}
	return errors.Join(errs...)
}
