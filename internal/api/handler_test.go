package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/pipeline"
	"github.com/lalithlochan/courier/internal/queue"
)

// MockNotifier is a fake pipeline for testing
type MockNotifier struct {
	records   map[string]*notification.Record
	submitted []*notification.Record

	submitErr error
	health    pipeline.Health
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{
		records: make(map[string]*notification.Record),
		health: pipeline.Health{
			Connected: true,
			Breaker:   circuitbreaker.Stats{Name: "delivery", State: "closed"},
			Queue:     &queue.Stats{Pending: 2},
		},
	}
}

func (m *MockNotifier) Submit(ctx context.Context, rec *notification.Record) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	r := *rec
	if r.ID == "" {
		r.ID = fmt.Sprintf("gen-%d", len(m.submitted)+1)
	}
	r.Status = notification.StatusPending
	m.submitted = append(m.submitted, &r)
	m.records[r.ID] = &r
	return r.ID, nil
}

func (m *MockNotifier) QueryStatus(ctx context.Context, id string) (notification.Status, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (m *MockNotifier) Get(ctx context.Context, id string) (*notification.Record, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return rec, nil
}

func (m *MockNotifier) HealthCheck(ctx context.Context) pipeline.Health {
	return m.health
}

type mockHistory struct {
	entries   []*db.Entry
	err       error
	healthErr error
}

func (m *mockHistory) Health(ctx context.Context) error {
	return m.healthErr
}

func (m *mockHistory) List(ctx context.Context, id string) ([]*db.Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*db.Entry
	for _, e := range m.entries {
		if e.NotificationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func serve(h *Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	router := NewRouter(h, nil, zap.NewNop())
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateNotification(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		submitErr      error
		expectedStatus int
		expectedID     string
	}{
		{
			name:           "accepted with caller id",
			body:           `{"id":"n1","type":"email","payload":{"subject":"hi"},"priority":"high","recipient":"u@x"}`,
			expectedStatus: http.StatusAccepted,
			expectedID:     "n1",
		},
		{
			name:           "accepted with generated id",
			body:           `{"type":"sms","payload":"hello","recipient":"+15550100"}`,
			expectedStatus: http.StatusAccepted,
			expectedID:     "gen-1",
		},
		{
			name:           "malformed json",
			body:           `{"type":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing recipient",
			body:           `{"type":"email","payload":{}}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "store disconnected",
			body:           `{"type":"email","payload":{},"recipient":"u@x"}`,
			submitErr:      notification.ErrNotConnected,
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "queue unavailable",
			body:           `{"type":"email","payload":{},"recipient":"u@x"}`,
			submitErr:      fmt.Errorf("%w: boom", notification.ErrQueueUnavailable),
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "unexpected error",
			body:           `{"type":"email","payload":{},"recipient":"u@x"}`,
			submitErr:      errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockNotifier()
			mock.submitErr = tt.submitErr
			h := NewHandler(zap.NewNop(), mock, nil)

			rec := serve(h, http.MethodPost, "/v1/notifications", []byte(tt.body))

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus != http.StatusAccepted {
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("expected problem+json, got %q", ct)
				}
				var problem ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&problem); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if problem.Status != tt.expectedStatus {
					t.Errorf("expected problem status %d, got %d", tt.expectedStatus, problem.Status)
				}
				return
			}

			var resp NotificationResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.ID != tt.expectedID {
				t.Errorf("expected id %q, got %q", tt.expectedID, resp.ID)
			}
		})
	}
}

func TestCreateNotification_PassesFieldsThrough(t *testing.T) {
	mock := NewMockNotifier()
	h := NewHandler(zap.NewNop(), mock, nil)

	body := `{"id":"n1","type":"webhook","payload":{"k":1},"priority":"low","recipient":"https://x"}`
	rec := serve(h, http.MethodPost, "/v1/notifications", []byte(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if len(mock.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(mock.submitted))
	}
	got := mock.submitted[0]
	if got.Type != "webhook" || got.Recipient != "https://x" || got.Priority != notification.PriorityLow {
		t.Errorf("unexpected record: %+v", got)
	}
	if string(got.Payload) != `{"k":1}` {
		t.Errorf("payload not passed through: %s", got.Payload)
	}
}

func TestGetStatus(t *testing.T) {
	mock := NewMockNotifier()
	mock.records["n1"] = &notification.Record{ID: "n1", Status: notification.StatusDelivered}
	h := NewHandler(zap.NewNop(), mock, nil)

	t.Run("known id", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/v1/notifications/n1/status", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp StatusResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.ID != "n1" || resp.Status != notification.StatusDelivered {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/v1/notifications/nope/status", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestGetNotification(t *testing.T) {
	mock := NewMockNotifier()
	mock.records["n1"] = &notification.Record{
		ID:        "n1",
		Type:      "email",
		Payload:   json.RawMessage(`{"subject":"hi"}`),
		Priority:  notification.PriorityHigh,
		Recipient: "u@x",
		Status:    notification.StatusPending,
	}
	h := NewHandler(zap.NewNop(), mock, nil)

	rec := serve(h, http.MethodGet, "/v1/notifications/n1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got notification.Record
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "n1" || got.Type != "email" || got.Recipient != "u@x" {
		t.Errorf("unexpected record: %+v", got)
	}

	rec = serve(h, http.MethodGet, "/v1/notifications/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListEvents(t *testing.T) {
	t.Run("archive disabled", func(t *testing.T) {
		h := NewHandler(zap.NewNop(), NewMockNotifier(), nil)
		rec := serve(h, http.MethodGet, "/v1/notifications/n1/events", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("lists entries for id", func(t *testing.T) {
		history := &mockHistory{entries: []*db.Entry{
			{ID: 1, NotificationID: "n1", Kind: "queued", Status: "pending"},
			{ID: 2, NotificationID: "n2", Kind: "queued", Status: "pending"},
			{ID: 3, NotificationID: "n1", Kind: "delivered", Status: "delivered", Attempt: 1},
		}}
		h := NewHandler(zap.NewNop(), NewMockNotifier(), history)

		rec := serve(h, http.MethodGet, "/v1/notifications/n1/events", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp struct {
			Data  []db.Entry `json:"data"`
			Count int        `json:"count"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 2 || len(resp.Data) != 2 {
			t.Fatalf("expected 2 entries, got %d", resp.Count)
		}
		if resp.Data[1].Kind != "delivered" {
			t.Errorf("expected delivered last, got %q", resp.Data[1].Kind)
		}
	})

	t.Run("database error", func(t *testing.T) {
		h := NewHandler(zap.NewNop(), NewMockNotifier(), &mockHistory{err: errors.New("db down")})
		rec := serve(h, http.MethodGet, "/v1/notifications/n1/events", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name           string
		connected      bool
		breaker        string
		expectedStatus int
		expectedHealth string
		expectedRedis  string
	}{
		{"healthy", true, "closed", http.StatusOK, "healthy", "connected"},
		{"breaker open", true, "open", http.StatusOK, "degraded", "connected"},
		{"redis down", false, "closed", http.StatusOK, "degraded", "disconnected"},
		{"redis down and breaker open", false, "open", http.StatusOK, "degraded", "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockNotifier()
			mock.health.Connected = tt.connected
			mock.health.Breaker.State = tt.breaker
			if !tt.connected {
				mock.health.Queue = nil
			}
			h := NewHandler(zap.NewNop(), mock, nil)

			rec := serve(h, http.MethodGet, "/health", nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}

			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.expectedHealth {
				t.Errorf("expected %q, got %q", tt.expectedHealth, resp.Status)
			}
			if resp.Components.Redis != tt.expectedRedis {
				t.Errorf("expected redis %q, got %q", tt.expectedRedis, resp.Components.Redis)
			}
			if resp.Components.Breaker.State != tt.breaker {
				t.Errorf("expected breaker %q, got %q", tt.breaker, resp.Components.Breaker.State)
			}
			if tt.connected && resp.Components.Queue == nil {
				t.Error("expected queue stats when connected")
			}
		})
	}
}

func TestHealth_EventFanout(t *testing.T) {
	mock := NewMockNotifier()
	mock.health.Events = pipeline.EventStats{Subscribers: 2, Dropped: 5}
	h := NewHandler(zap.NewNop(), mock, nil)

	rec := serve(h, http.MethodGet, "/health", nil)

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Components.Events != mock.health.Events {
		t.Errorf("expected events %+v, got %+v", mock.health.Events, resp.Components.Events)
	}
}

func TestHealth_HistoryArchive(t *testing.T) {
	tests := []struct {
		name           string
		healthErr      error
		expectedHealth string
		expectedState  string
	}{
		{"reachable", nil, "healthy", "ok"},
		{"unreachable", errors.New("db down"), "degraded", "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(zap.NewNop(), NewMockNotifier(), &mockHistory{healthErr: tt.healthErr})

			rec := serve(h, http.MethodGet, "/health", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}

			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.expectedHealth {
				t.Errorf("expected %q, got %q", tt.expectedHealth, resp.Status)
			}
			if resp.Components.History != tt.expectedState {
				t.Errorf("expected history %q, got %q", tt.expectedState, resp.Components.History)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockNotifier(), nil)
	_ = serve(h, http.MethodGet, "/health", nil)

	rec := serve(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("courier_http_requests_total")) {
		t.Error("expected request counter in metrics output")
	}
}
