package mutate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/remote"
)

// stubClient is a hand-rolled remote.Client that can hang or fail on
// demand, for exercising the deadline fallback.
type stubClient struct {
	mu      sync.Mutex
	block   chan struct{} // non-nil: writes block until closed
	failErr error

	creates int
	puts    int
	patches []map[string]any
	deletes []string
	attrs   map[string]any
}

var _ remote.Client = (*stubClient)(nil)

func (s *stubClient) Subscribe(string, remote.SnapshotFunc) (remote.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClient) ReadOnce(context.Context, string) (remote.Snapshot, error) {
	return remote.Snapshot{}, nil
}

func (s *stubClient) gate() error {
	s.mu.Lock()
	block := s.block
	err := s.failErr
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (s *stubClient) Create(_ context.Context, _ string, attrs map[string]any) (string, error) {
	s.mu.Lock()
	s.creates++
	s.attrs = attrs
	s.mu.Unlock()
	if err := s.gate(); err != nil {
		return "", err
	}
	return "new-key", nil
}

func (s *stubClient) Put(_ context.Context, _, _ string, attrs map[string]any) error {
	s.mu.Lock()
	s.puts++
	s.attrs = attrs
	s.mu.Unlock()
	return s.gate()
}

func (s *stubClient) Patch(_ context.Context, _, _ string, fields map[string]any) error {
	s.mu.Lock()
	s.patches = append(s.patches, fields)
	s.mu.Unlock()
	return s.gate()
}

func (s *stubClient) Delete(_ context.Context, _, key string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, key)
	s.mu.Unlock()
	return s.gate()
}

func (s *stubClient) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates + s.puts + len(s.patches) + len(s.deletes)
}

func validDraft() model.Item {
	return model.Item{
		OwnerID:      "uid-1",
		Title:        "Phone",
		Description:  "Black iPhone 13",
		ContactName:  "Ana",
		ContactPhone: "040123456",
		Status:       model.StatusLost,
	}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mutation result")
		return Result{}
	}
}

func TestCreateResolvesWithStoredItem(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")

	ch, err := coord.Create(context.Background(), validDraft(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := waitResult(t, ch)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Item.ID != "new-key" {
		t.Errorf("expected store-assigned key, got %q", res.Item.ID)
	}
	if res.Item.CreatedAt.IsZero() || res.Item.UpdatedAt.IsZero() {
		t.Error("expected coordinator-assigned timestamps")
	}
	if res.TimedOut {
		t.Error("fast completion must not be marked timed out")
	}
}

func TestCreateValidationIsSynchronous(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")

	tests := []struct {
		name  string
		mod   func(*model.Item)
		field string
	}{
		{"empty title", func(i *model.Item) { i.Title = "" }, "title"},
		{"empty description", func(i *model.Item) { i.Description = "" }, "description"},
		{"empty contact name", func(i *model.Item) { i.ContactName = "" }, "contact_name"},
		{"empty contact phone", func(i *model.Item) { i.ContactPhone = "" }, "contact_phone"},
		{"no owner", func(i *model.Item) { i.OwnerID = "" }, "owner_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := validDraft()
			tt.mod(&draft)

			_, err := coord.Create(context.Background(), draft, nil)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, vErr.Field)
			}
		})
	}

	// No remote call was ever recorded.
	if n := client.writeCount(); n != 0 {
		t.Errorf("expected 0 remote calls for invalid drafts, got %d", n)
	}
}

func TestCreateRejectsClaimedInitialStatus(t *testing.T) {
	coord := New(&stubClient{}, "items")

	draft := validDraft()
	draft.Status = model.StatusClaimed
	_, err := coord.Create(context.Background(), draft, nil)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "status" {
		t.Errorf("expected status validation error, got %v", err)
	}
}

func TestDeadlineFallbackResolvesOnceWithinWindow(t *testing.T) {
	// Backend that never acks: the safety deadline must resolve the
	// caller optimistically, exactly once, within the window.
	client := &stubClient{block: make(chan struct{})}
	defer close(client.block)

	coord := New(client, "items", WithSafetyTimeout(50*time.Millisecond))

	start := time.Now()
	ch, err := coord.Create(context.Background(), validDraft(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := waitResult(t, ch)
	if !res.TimedOut {
		t.Error("expected optimistic timeout resolution")
	}
	if res.Err != nil {
		t.Errorf("optimistic resolution must look like success, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resolution took %v, expected roughly the 50ms deadline", elapsed)
	}

	// At most one user-visible notification.
	select {
	case extra := <-ch:
		t.Errorf("unexpected second resolution: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLateBackendCompletionIsDropped(t *testing.T) {
	client := &stubClient{block: make(chan struct{})}
	coord := New(client, "items", WithSafetyTimeout(20*time.Millisecond))

	ch, _ := coord.Create(context.Background(), validDraft(), nil)
	res := waitResult(t, ch)
	if !res.TimedOut {
		t.Fatal("expected timeout resolution")
	}

	// Let the real backend complete now. Nothing further may reach the
	// caller, and the guard must stay released.
	close(client.block)
	time.Sleep(50 * time.Millisecond)

	select {
	case extra := <-ch:
		t.Errorf("late completion leaked to caller: %+v", extra)
	default:
	}
	if coord.InFlight(OpCreate) {
		t.Error("expected in-flight flag cleared")
	}
}

func TestInFlightGuardRejectsSecondCall(t *testing.T) {
	client := &stubClient{block: make(chan struct{})}
	coord := New(client, "items", WithSafetyTimeout(time.Second))

	ch, err := coord.Create(context.Background(), validDraft(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !coord.InFlight(OpCreate) {
		t.Error("expected create to be in flight")
	}

	if _, err := coord.Create(context.Background(), validDraft(), nil); !errors.Is(err, ErrMutationInFlight) {
		t.Errorf("expected ErrMutationInFlight, got %v", err)
	}

	// A different operation kind is not blocked.
	if _, err := coord.Delete(context.Background(), "some-id"); err != nil {
		t.Errorf("unexpected guard across operation kinds: %v", err)
	}

	close(client.block)
	res := waitResult(t, ch)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if coord.InFlight(OpCreate) {
		t.Error("expected flag cleared after resolution")
	}
}

func TestBackendErrorReportedOnce(t *testing.T) {
	client := &stubClient{failErr: errors.New("permission denied")}
	coord := New(client, "items")

	ch, _ := coord.Create(context.Background(), validDraft(), nil)
	res := waitResult(t, ch)

	var mErr *MutationError
	if !errors.As(res.Err, &mErr) {
		t.Fatalf("expected *MutationError, got %v", res.Err)
	}
	if mErr.Op != OpCreate {
		t.Errorf("expected op create, got %q", mErr.Op)
	}
}

func TestTransitionStatusWalksLifecycle(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")
	ctx := context.Background()

	ch, err := coord.TransitionStatus(ctx, "id1", model.StatusLost)
	if err != nil {
		t.Fatalf("TransitionStatus(lost): %v", err)
	}
	if res := waitResult(t, ch); res.Status != model.StatusFound {
		t.Errorf("expected found, got %q", res.Status)
	}

	ch, err = coord.TransitionStatus(ctx, "id1", model.StatusFound)
	if err != nil {
		t.Fatalf("TransitionStatus(found): %v", err)
	}
	if res := waitResult(t, ch); res.Status != model.StatusClaimed {
		t.Errorf("expected claimed, got %q", res.Status)
	}

	// Terminal: reported synchronously, nothing written.
	writes := client.writeCount()
	_, err = coord.TransitionStatus(ctx, "id1", model.StatusClaimed)
	if !errors.Is(err, model.ErrNoValidTransition) {
		t.Errorf("expected ErrNoValidTransition, got %v", err)
	}
	if client.writeCount() != writes {
		t.Error("terminal transition must not touch the backend")
	}
}

func TestTransitionStatusPatchesOnlyStatus(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")

	ch, _ := coord.TransitionStatus(context.Background(), "id1", model.StatusLost)
	waitResult(t, ch)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.patches) != 1 {
		t.Fatalf("expected exactly one patch, got %d", len(client.patches))
	}
	fields := client.patches[0]
	if len(fields) != 1 || fields["status"] != "found" {
		t.Errorf("expected partial update of status only, got %v", fields)
	}
}

func TestUpdateRequiresPersistedItem(t *testing.T) {
	coord := New(&stubClient{}, "items")

	item := validDraft() // no ID
	_, err := coord.Update(context.Background(), item, nil)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "id" {
		t.Errorf("expected id validation error, got %v", err)
	}
}

func TestUpdateKeepsPhotoWhenNoneSupplied(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")

	item := validDraft()
	item.ID = "id1"
	item.Photo = "data:image/jpeg;base64,AAAA"

	ch, err := coord.Update(context.Background(), item, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	res := waitResult(t, ch)
	if res.Item.Photo != item.Photo {
		t.Errorf("expected photo untouched, got %q", res.Item.Photo)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.attrs["photo"] != item.Photo {
		t.Errorf("expected stored photo untouched, got %v", client.attrs["photo"])
	}
}

func TestUpdateRefreshesUpdatedAt(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")

	item := validDraft()
	item.ID = "id1"
	stale := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	item.CreatedAt = stale
	item.UpdatedAt = stale

	ch, _ := coord.Update(context.Background(), item, nil)
	res := waitResult(t, ch)
	if !res.Item.UpdatedAt.After(stale) {
		t.Error("expected refreshed updated_at")
	}
	if !res.Item.CreatedAt.Equal(stale) {
		t.Error("expected created_at untouched on update")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	client := &stubClient{}
	coord := New(client, "items")

	ch, err := coord.Delete(context.Background(), "id1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res := waitResult(t, ch); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.deletes) != 1 || client.deletes[0] != "id1" {
		t.Errorf("expected delete of id1, got %v", client.deletes)
	}
}

func TestEndToEndCreateAgainstMemoryStore(t *testing.T) {
	store := remote.NewMemoryStore()
	coord := New(store, "items")
	ctx := context.Background()

	ch, err := coord.Create(ctx, validDraft(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := waitResult(t, ch)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	snap, _ := store.ReadOnce(ctx, "items")
	if len(snap.Records) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(snap.Records))
	}
	if snap.Records[0].Key != res.Item.ID {
		t.Error("expected result item keyed by the stored record")
	}
}
