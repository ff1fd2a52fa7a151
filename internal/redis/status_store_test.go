package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return Wrap(rdb, zap.NewNop()), mr
}

func testRecord(id string, status notification.Status) *notification.Record {
	return &notification.Record{
		ID:        id,
		Type:      "email",
		Payload:   json.RawMessage(`{"subject":"hi"}`),
		Priority:  notification.PriorityHigh,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Recipient: "u@x",
		Status:    status,
	}
}

func TestStatusStore_SetAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewStatusStore(client, zap.NewNop())
	ctx := context.Background()

	rec := testRecord("n1", notification.StatusPending)
	if err := store.Set(ctx, rec); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if !mr.Exists("notification:n1") {
		t.Fatal("expected key notification:n1")
	}

	got, err := store.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != notification.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Recipient != "u@x" || got.Type != "email" {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp mismatch: %v vs %v", got.Timestamp, rec.Timestamp)
	}
}

func TestStatusStore_GetMissing(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewStatusStore(client, zap.NewNop())

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusStore_CreateOnlyOnce(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewStatusStore(client, zap.NewNop())
	ctx := context.Background()

	created, err := store.Create(ctx, testRecord("n1", notification.StatusPending))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	if _, err := store.Advance(ctx, testRecord("n1", notification.StatusDelivered)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	created, err = store.Create(ctx, testRecord("n1", notification.StatusPending))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create should not overwrite")
	}

	got, _ := store.Get(ctx, "n1")
	if got.Status != notification.StatusDelivered {
		t.Errorf("expected delivered to survive, got %s", got.Status)
	}
}

func TestStatusStore_AdvanceTransitions(t *testing.T) {
	tests := []struct {
		name        string
		from        notification.Status
		to          notification.Status
		wantChanged bool
		wantErr     error
	}{
		{"pending to delivered", notification.StatusPending, notification.StatusDelivered, true, nil},
		{"pending to failed", notification.StatusPending, notification.StatusFailed, true, nil},
		{"delivered again", notification.StatusDelivered, notification.StatusDelivered, false, nil},
		{"delivered to pending", notification.StatusDelivered, notification.StatusPending, false, notification.ErrInvalidTransition},
		{"delivered to failed", notification.StatusDelivered, notification.StatusFailed, false, notification.ErrInvalidTransition},
		{"failed to delivered", notification.StatusFailed, notification.StatusDelivered, false, notification.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := setupTestRedis(t)
			store := NewStatusStore(client, zap.NewNop())
			ctx := context.Background()

			if err := store.Set(ctx, testRecord("n1", tt.from)); err != nil {
				t.Fatalf("seed failed: %v", err)
			}

			changed, err := store.Advance(ctx, testRecord("n1", tt.to))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}

			got, _ := store.Get(ctx, "n1")
			want := tt.from
			if tt.wantChanged {
				want = tt.to
			}
			if got.Status != want {
				t.Errorf("stored status = %s, want %s", got.Status, want)
			}
		})
	}
}

func TestStatusStore_AdvanceMissingTreatedAsPending(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewStatusStore(client, zap.NewNop())
	ctx := context.Background()

	changed, err := store.Advance(ctx, testRecord("n1", notification.StatusDelivered))
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
}

func TestStatusStore_ConcurrentAdvanceOneWinner(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewStatusStore(client, zap.NewNop())
	ctx := context.Background()

	if err := store.Set(ctx, testRecord("n1", notification.StatusPending)); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []notification.Status
	)
	for _, status := range []notification.Status{
		notification.StatusDelivered, notification.StatusFailed,
		notification.StatusDelivered, notification.StatusFailed,
	} {
		wg.Add(1)
		go func(status notification.Status) {
			defer wg.Done()
			changed, err := store.Advance(ctx, testRecord("n1", status))
			if err == nil && changed {
				mu.Lock()
				winners = append(winners, status)
				mu.Unlock()
			}
		}(status)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one status change, got %v", winners)
	}
	got, _ := store.Get(ctx, "n1")
	if got.Status != winners[0] {
		t.Errorf("stored %s, winner %s", got.Status, winners[0])
	}
}

func TestStatusStore_FailsFastWhenDisconnected(t *testing.T) {
	client, _ := setupTestRedis(t)
	client.connected.Store(false)
	store := NewStatusStore(client, zap.NewNop())
	ctx := context.Background()

	if err := store.Set(ctx, testRecord("n1", notification.StatusPending)); !errors.Is(err, notification.ErrNotConnected) {
		t.Errorf("Set: expected ErrNotConnected, got %v", err)
	}
	if _, err := store.Get(ctx, "n1"); !errors.Is(err, notification.ErrNotConnected) {
		t.Errorf("Get: expected ErrNotConnected, got %v", err)
	}
	if _, err := store.Create(ctx, testRecord("n1", notification.StatusPending)); !errors.Is(err, notification.ErrNotConnected) {
		t.Errorf("Create: expected ErrNotConnected, got %v", err)
	}
	if _, err := store.Advance(ctx, testRecord("n1", notification.StatusDelivered)); !errors.Is(err, notification.ErrNotConnected) {
		t.Errorf("Advance: expected ErrNotConnected, got %v", err)
	}
}
