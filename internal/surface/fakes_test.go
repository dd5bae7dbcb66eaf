package surface

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"marketsync/internal/catalog"
	"marketsync/internal/pricing"
	"marketsync/internal/registry"
	"marketsync/internal/remoteui"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubSnapshots struct {
	mu            sync.Mutex
	snap          *catalog.Snapshot
	err           error
	gets          int
	refreshes     int
	invalidations int
}

func (s *stubSnapshots) Get(context.Context) (*catalog.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.snap, s.err
}

func (s *stubSnapshots) RefreshNow(context.Context) (*catalog.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.snap, s.err
}

func (s *stubSnapshots) Invalidate() {
	s.mu.Lock()
	s.invalidations++
	s.mu.Unlock()
}

func (s *stubSnapshots) set(snap *catalog.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

type call struct {
	op        string
	channelID string
	messageID string
}

// fakePlatform keeps remote messages in memory and records every call.
type fakePlatform struct {
	mu        sync.Mutex
	next      int
	messages  map[string]remoteui.Message
	calls     []call
	editErr   map[string]error
	createErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{messages: map[string]remoteui.Message{}, editErr: map[string]error{}}
}

func (f *fakePlatform) CreateMessage(_ context.Context, channelID string, msg remoteui.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"create", channelID, ""})
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("m%d", f.next)
	f.messages[id] = msg
	return id, nil
}

func (f *fakePlatform) EditMessage(_ context.Context, channelID, messageID string, msg remoteui.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"edit", channelID, messageID})
	if err := f.editErr[messageID]; err != nil {
		return err
	}
	if _, ok := f.messages[messageID]; !ok {
		return remoteui.Classify(remoteui.ErrNotFound, fmt.Errorf("message %s", messageID))
	}
	f.messages[messageID] = msg
	return nil
}

func (f *fakePlatform) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"delete", channelID, messageID})
	if _, ok := f.messages[messageID]; !ok {
		return remoteui.Classify(remoteui.ErrNotFound, fmt.Errorf("message %s", messageID))
	}
	delete(f.messages, messageID)
	return nil
}

func (f *fakePlatform) FetchMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"fetch", channelID, messageID})
	if _, ok := f.messages[messageID]; !ok {
		return remoteui.Classify(remoteui.ErrNotFound, fmt.Errorf("message %s", messageID))
	}
	return nil
}

func (f *fakePlatform) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakePlatform) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

func service(id, categoryID int64, name, price string) catalog.Service {
	return catalog.Service{
		ID:         id,
		CategoryID: categoryID,
		Name:       name,
		Active:     true,
		Methods: []catalog.PricingMethod{{
			ID:        id * 10,
			ServiceID: id,
			Name:      "standard",
			BasePrice: decimal.RequireFromString(price),
			Unit:      catalog.UnitFixed,
			Active:    true,
		}},
	}
}

func category(id int64, surface string, services ...catalog.Service) catalog.Category {
	return catalog.Category{
		ID:         id,
		Name:       fmt.Sprintf("Category %d", id),
		SurfaceKey: surface,
		SortOrder:  int(id),
		Active:     true,
		Services:   services,
	}
}

type harness struct {
	cache    *stubSnapshots
	reg      *registry.FileRegistry
	platform *fakePlatform
	sync     *Synchronizer
}

func newHarness(t *testing.T, snap *catalog.Snapshot, layout *Layout) *harness {
	t.Helper()
	reg, err := registry.OpenFile(filepath.Join(t.TempDir(), "bindings.json"))
	require.NoError(t, err)
	if layout == nil {
		layout = &Layout{DefaultChannel: "chan-1"}
	}
	h := &harness{
		cache:    &stubSnapshots{snap: snap},
		reg:      reg,
		platform: newFakePlatform(),
	}
	h.sync = NewSynchronizer(h.cache, reg, h.platform, pricing.NewCalculator(nil), layout, nil)
	return h
}
