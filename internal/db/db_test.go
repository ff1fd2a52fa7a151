package db

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/notification"
)

func TestMigrationURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@db:5432/courier?sslmode=disable", "pgx5://u:p@db:5432/courier?sslmode=disable"},
		{"postgresql://u@db/courier", "pgx5://u@db/courier"},
		{"pgx5://u@db/courier", "pgx5://u@db/courier"},
	}

	for _, tt := range tests {
		if got := migrationURL(tt.in); got != tt.want {
			t.Errorf("migrationURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("expected paired migrations, got %d up / %d down", up, down)
	}
}

func testRecord(status notification.Status) *notification.Record {
	return &notification.Record{
		ID:        "n1",
		Type:      "email",
		Payload:   json.RawMessage(`{"a":1}`),
		Priority:  notification.PriorityHigh,
		Recipient: "u@x",
		Status:    status,
	}
}

func TestEntryFromEvent(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	entry, err := EntryFromEvent(events.Event{
		Kind:    events.KindFailed,
		Time:    at,
		Record:  testRecord(notification.StatusFailed),
		Err:     errors.New("smtp down"),
		Attempt: 3,
		Final:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if entry.NotificationID != "n1" || entry.Kind != "failed" || entry.Status != "failed" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Attempt != 3 || !entry.Final {
		t.Errorf("attempt metadata lost: %+v", entry)
	}
	if entry.ErrorMessage == nil || *entry.ErrorMessage != "smtp down" {
		t.Errorf("error message lost: %v", entry.ErrorMessage)
	}
	if !entry.OccurredAt.Equal(at) {
		t.Errorf("time mismatch: %v", entry.OccurredAt)
	}

	rec, err := notification.Unmarshal(entry.Record)
	if err != nil || rec.ID != "n1" {
		t.Errorf("snapshot not stored: %v %v", rec, err)
	}
}

func TestEntryFromEvent_NoRecord(t *testing.T) {
	if _, err := EntryFromEvent(events.Event{Kind: events.KindDisconnected}); err == nil {
		t.Error("expected error for event without record")
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	entries []*Entry
}

func (f *fakeWriter) Append(_ context.Context, e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeWriter) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		out = append(out, e.Kind)
	}
	return out
}

func TestArchiver_RecordsLifecycleEvents(t *testing.T) {
	bus := events.New()
	writer := &fakeWriter{}
	archiver := NewArchiver(bus, writer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		archiver.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("archiver never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(events.Event{Kind: events.KindQueued, Record: testRecord(notification.StatusPending)})
	bus.Publish(events.Event{Kind: events.KindDisconnected, Err: errors.New("x")})
	bus.Publish(events.Event{Kind: events.KindDelivered, Record: testRecord(notification.StatusDelivered)})

	for len(writer.kinds()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 archived events, got %v", writer.kinds())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done

	got := writer.kinds()
	if len(got) != 2 || got[0] != "queued" || got[1] != "delivered" {
		t.Errorf("unexpected archive: %v", got)
	}
}
