// Package dispatch spreads streaming work across the configured bot
// identities. Selection is least-loaded by work-in-progress count, with
// configuration order breaking ties so behavior is deterministic.
package dispatch

import (
	"sync/atomic"

	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/streamerr"
	"github.com/filebeam/filebeam/internal/upstream"
)

// Identity is one bot identity available for serving streams. Each identity
// carries its own locator cache because access hashes are scoped to the
// identity that resolved them.
type Identity struct {
	ID       string
	Client   upstream.Client
	Locators *locator.Cache

	wip atomic.Int64
}

// Acquire increments the identity's work-in-progress count and returns a
// release function. Release is safe to call at most once per Acquire; callers
// pair it with a sync.Once when multiple paths may release.
func (id *Identity) Acquire() func() {
	id.wip.Add(1)
	return func() { id.wip.Add(-1) }
}

// WIP returns the identity's current work-in-progress count.
func (id *Identity) WIP() int64 {
	return id.wip.Load()
}

// Dispatcher selects identities for new streams.
type Dispatcher struct {
	// identities in configuration order: the primary first, then the
	// workers. The slice is fixed after construction; identity state is
	// carried in atomics.
	identities []*Identity
	maxPerID   int64
}

// New creates a dispatcher over the given identities. maxPerIdentity bounds
// work-in-progress per identity; zero or negative disables the bound.
func New(identities []*Identity, maxPerIdentity int64) *Dispatcher {
	return &Dispatcher{identities: identities, maxPerID: maxPerIdentity}
}

// Select reserves a work-in-progress slot on the ready identity with the
// lowest count, skipping any whose id is in excluded and any at the
// per-identity cap. Ties go to the earliest configured identity. The slot is
// taken with a compare-and-swap at selection time, so concurrent Selects can
// never push an identity past the cap; the returned release must be called
// exactly once, whether the stream runs to completion or admission fails
// later in the pipeline. When every identity is excluded, not ready, or
// saturated, Select fails with KindNoClientAvailable.
func (d *Dispatcher) Select(excluded map[string]bool) (*Identity, func(), error) {
	for {
		var best *Identity
		var bestWIP int64

		for _, id := range d.identities {
			if excluded[id.ID] || !id.Client.Ready() {
				continue
			}
			w := id.wip.Load()
			if d.maxPerID > 0 && w >= d.maxPerID {
				continue
			}
			if best == nil || w < bestWIP {
				best, bestWIP = id, w
			}
		}

		if best == nil {
			return nil, nil, streamerr.New(streamerr.KindNoClientAvailable, "no bot identity available for streaming")
		}
		// Claim the count we observed; on a lost race, rescan.
		if best.wip.CompareAndSwap(bestWIP, bestWIP+1) {
			ident := best
			return ident, func() { ident.wip.Add(-1) }, nil
		}
	}
}

// Primary returns the first configured identity. Metadata endpoints report
// its bot account.
func (d *Dispatcher) Primary() *Identity {
	return d.identities[0]
}

// ByID returns the identity with the given id, or nil.
func (d *Dispatcher) ByID(id string) *Identity {
	for _, ident := range d.identities {
		if ident.ID == id {
			return ident
		}
	}
	return nil
}

// Identities returns the identities in configuration order.
func (d *Dispatcher) Identities() []*Identity {
	return d.identities
}

// TotalWIP sums work-in-progress across all identities.
func (d *Dispatcher) TotalWIP() int64 {
	var total int64
	for _, id := range d.identities {
		total += id.wip.Load()
	}
	return total
}
