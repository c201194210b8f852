package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/streamerr"
	"github.com/filebeam/filebeam/internal/upstream"
)

type stubClient struct {
	id    string
	ready bool
}

func (c *stubClient) ID() string   { return c.id }
func (c *stubClient) Ready() bool  { return c.ready }
func (c *stubClient) Close() error { return nil }
func (c *stubClient) Me() upstream.BotInfo {
	return upstream.BotInfo{Username: c.id}
}
func (c *stubClient) ResolveFile(ctx context.Context, messageID int64) (locator.FileLocator, error) {
	return locator.FileLocator{}, upstream.ErrNotFound
}
func (c *stubClient) DialMediaSession(ctx context.Context, dcID int) (upstream.Session, error) {
	return nil, upstream.ErrNotFound
}

func newTestDispatcher(max int64, ids ...string) (*Dispatcher, map[string]*Identity) {
	idents := make([]*Identity, 0, len(ids))
	byID := make(map[string]*Identity, len(ids))
	for _, id := range ids {
		ident := &Identity{
			ID:       id,
			Client:   &stubClient{id: id, ready: true},
			Locators: locator.NewCache(16),
		}
		idents = append(idents, ident)
		byID[id] = ident
	}
	return New(idents, max), byID
}

func TestSelectPicksLeastLoaded(t *testing.T) {
	d, byID := newTestDispatcher(0, "primary", "worker-1", "worker-2")

	byID["primary"].Acquire()
	byID["primary"].Acquire()
	byID["worker-1"].Acquire()

	got, _, err := d.Select(nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != "worker-2" {
		t.Errorf("Select = %s, want worker-2 (zero load)", got.ID)
	}
}

func TestSelectTieBreaksByConfigOrder(t *testing.T) {
	d, _ := newTestDispatcher(0, "primary", "worker-1", "worker-2")

	got, _, err := d.Select(nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != "primary" {
		t.Errorf("Select on all-equal load = %s, want primary (first configured)", got.ID)
	}
}

func TestSelectSkipsExcludedAndUnready(t *testing.T) {
	d, byID := newTestDispatcher(0, "primary", "worker-1", "worker-2")
	byID["worker-1"].Client.(*stubClient).ready = false

	got, _, err := d.Select(map[string]bool{"primary": true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != "worker-2" {
		t.Errorf("Select = %s, want worker-2", got.ID)
	}
}

func TestSelectHonorsPerIdentityCap(t *testing.T) {
	d, byID := newTestDispatcher(2, "primary", "worker-1")

	byID["primary"].Acquire()
	byID["primary"].Acquire()

	got, _, err := d.Select(nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != "worker-1" {
		t.Errorf("Select = %s, want worker-1 (primary at cap)", got.ID)
	}

	byID["worker-1"].Acquire()
	if _, _, err := d.Select(nil); !streamerr.IsKind(err, streamerr.KindNoClientAvailable) {
		t.Errorf("Select with all identities saturated = %v, want KindNoClientAvailable", err)
	}
}

func TestSelectAllExcluded(t *testing.T) {
	d, _ := newTestDispatcher(0, "primary")
	_, _, err := d.Select(map[string]bool{"primary": true})
	if !streamerr.IsKind(err, streamerr.KindNoClientAvailable) {
		t.Errorf("err = %v, want KindNoClientAvailable", err)
	}
}

func TestSelectReservesSlot(t *testing.T) {
	d, _ := newTestDispatcher(1, "primary", "worker-1")

	first, release1, err := d.Select(nil)
	if err != nil {
		t.Fatalf("first Select: %v", err)
	}
	if first.ID != "primary" {
		t.Fatalf("first Select = %s, want primary", first.ID)
	}

	// The slot is taken at selection, before any stream work begins: a second
	// Select must not see primary as free.
	second, release2, err := d.Select(nil)
	if err != nil {
		t.Fatalf("second Select: %v", err)
	}
	if second.ID != "worker-1" {
		t.Errorf("second Select = %s, want worker-1 (primary slot reserved)", second.ID)
	}

	if _, _, err := d.Select(nil); !streamerr.IsKind(err, streamerr.KindNoClientAvailable) {
		t.Errorf("third Select = %v, want KindNoClientAvailable", err)
	}

	release1()
	again, release3, err := d.Select(nil)
	if err != nil {
		t.Fatalf("Select after release: %v", err)
	}
	if again.ID != "primary" {
		t.Errorf("Select after release = %s, want primary", again.ID)
	}
	release2()
	release3()
	if got := d.TotalWIP(); got != 0 {
		t.Errorf("TotalWIP after releases = %d, want 0", got)
	}
}

func TestConcurrentSelectNeverOversubscribes(t *testing.T) {
	d, byID := newTestDispatcher(1, "primary", "worker-1", "worker-2")

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := d.Select(nil); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 3 {
		t.Errorf("granted = %d, want 3 (one slot per identity)", got)
	}
	for id, ident := range byID {
		if w := ident.WIP(); w != 1 {
			t.Errorf("identity %s WIP = %d, want 1", id, w)
		}
	}
}

func TestAcquireReleaseBalances(t *testing.T) {
	_, byID := newTestDispatcher(0, "primary")
	ident := byID["primary"]

	release := ident.Acquire()
	if ident.WIP() != 1 {
		t.Fatalf("WIP after Acquire = %d, want 1", ident.WIP())
	}
	release()
	if ident.WIP() != 0 {
		t.Errorf("WIP after release = %d, want 0", ident.WIP())
	}
}

func TestTotalWIP(t *testing.T) {
	d, byID := newTestDispatcher(0, "primary", "worker-1")
	byID["primary"].Acquire()
	byID["worker-1"].Acquire()
	byID["worker-1"].Acquire()
	if got := d.TotalWIP(); got != 3 {
		t.Errorf("TotalWIP = %d, want 3", got)
	}
}
