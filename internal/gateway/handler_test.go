package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/outbox"
	"github.com/aryasadewa/wagateway/internal/reconcile"
	"github.com/aryasadewa/wagateway/internal/sender"
)

type stubSender struct {
	online bool
}

func (s *stubSender) Send(context.Context, string, string) (sender.Receipt, error) {
	return sender.Receipt{MessageID: "MSG1", Status: "sent"}, nil
}

func (s *stubSender) Available(context.Context) bool { return s.online }

type testEnv struct {
	router *chi.Mux
	queue  *outbox.Queue
	store  *history.Store
	sender *stubSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	queue, err := outbox.NewQueue(t.TempDir())
	require.NoError(t, err)
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)

	tracker := outbox.NewTracker(2 * time.Minute)
	waiter := outbox.NewWaiter(outbox.WaiterConfig{
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}, queue, tracker)

	snd := &stubSender{online: true}
	service := NewService(queue, store, waiter, snd, reconcile.New(queue, store))

	router := chi.NewRouter()
	NewHandler(service).RegisterRoutes(router)

	return &testEnv{router: router, queue: queue, store: store, sender: snd}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_SendMessageQueues(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/messages",
		`{"targetNumber": "08123456789", "message": "hello"}`)

	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"status":"queued"`)
	assert.Contains(t, resp.Body.String(), "628123456789@s.whatsapp.net")

	names, err := env.queue.ListPending()
	require.NoError(t, err)
	assert.Len(t, names, 1)

	pending, err := env.store.List(history.Filter{Status: history.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1, "attempt is recorded as pending on enqueue")
}

func TestHandler_SendMessageRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing message", `{"targetNumber": "08123456789"}`, http.StatusBadRequest},
		{"missing target", `{"message": "hello"}`, http.StatusBadRequest},
		{"message too long", `{"targetNumber": "08123456789", "message": "` + strings.Repeat("a", 5000) + `"}`, http.StatusBadRequest},
		{"unparseable number", `{"targetNumber": "abc", "message": "hello"}`, http.StatusBadRequest},
		{"number too short", `{"targetNumber": "6277", "message": "hello"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/messages", tt.body)
			assert.Equal(t, tt.code, resp.Code, resp.Body.String())
		})
	}

	names, err := env.queue.ListPending()
	require.NoError(t, err)
	assert.Empty(t, names, "rejected requests must not enqueue")
}

func TestHandler_SendMessageWaitRequiresOnlineSender(t *testing.T) {
	env := newTestEnv(t)
	env.sender.online = false

	resp := env.do(http.MethodPost, "/messages",
		`{"targetNumber": "08123456789", "message": "hello", "waitForDelivery": true}`)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	// Plain enqueueing still works while the sender is offline.
	resp = env.do(http.MethodPost, "/messages",
		`{"targetNumber": "08123456789", "message": "hello"}`)
	assert.Equal(t, http.StatusAccepted, resp.Code)
}

func TestHandler_SendMessageWaitTimesOut(t *testing.T) {
	env := newTestEnv(t)

	// No worker is draining the queue, so the record stays put and the wait
	// deadline counts as failure.
	resp := env.do(http.MethodPost, "/messages",
		`{"targetNumber": "08123456789", "message": "hello", "waitForDelivery": true}`)

	assert.Equal(t, http.StatusRequestTimeout, resp.Code, resp.Body.String())
}

func TestHandler_SendMessageWaitConfirmedDelivery(t *testing.T) {
	queue, err := outbox.NewQueue(t.TempDir())
	require.NoError(t, err)
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)

	tracker := outbox.NewTracker(2 * time.Minute)
	waiter := outbox.NewWaiter(outbox.WaiterConfig{
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
	}, queue, tracker)

	snd := &stubSender{online: true}
	worker := outbox.NewWorker(outbox.WorkerConfig{
		PollInterval:   time.Hour,
		SendTimeout:    time.Second,
		UpdateAttempts: 3,
		UpdateBackoff:  20 * time.Millisecond,
		MessageGap:     time.Millisecond,
	}, queue, tracker, store, snd)

	service := NewService(queue, store, waiter, snd, reconcile.New(queue, store))
	router := chi.NewRouter()
	NewHandler(service).RegisterRoutes(router)

	// Drain the queue in the background while the request blocks on the
	// delivery outcome.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				worker.CheckNow(ctx)
			}
		}
	}()

	req := httptest.NewRequest(http.MethodPost, "/messages",
		strings.NewReader(`{"targetNumber": "08123456789", "message": "hello", "waitForDelivery": true}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)
	assert.Contains(t, rec.Body.String(), `"targetNumber":"628123456789@s.whatsapp.net"`)
	assert.Contains(t, rec.Body.String(), `"originalNumber":"08123456789"`)

	names, err := queue.ListPending()
	require.NoError(t, err)
	assert.Empty(t, names, "the record is drained by the worker")

	sent, err := store.List(history.Filter{Status: history.StatusSent})
	require.NoError(t, err)
	assert.Len(t, sent, 1, "history flipped from pending to sent")
}

func TestHandler_ListHistory(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Append(history.Entry{
		TargetNumber: "628123456789@s.whatsapp.net",
		Message:      "hello",
		Status:       history.StatusSent,
		SentAt:       "2024-06-01T10:00:00Z",
	}))
	require.NoError(t, env.store.Append(history.Entry{
		TargetNumber: "628999999999@s.whatsapp.net",
		Message:      "oops",
		Status:       history.StatusError,
		SentAt:       "2024-06-01T11:00:00Z",
	}))

	resp := env.do(http.MethodGet, "/messages/history?status=error", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "oops")
	assert.NotContains(t, resp.Body.String(), "hello")

	resp = env.do(http.MethodGet, "/messages/history?startDate=bogus&endDate=2024-06-02T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandler_CleanupHistory(t *testing.T) {
	env := newTestEnv(t)

	base := time.Now().UTC()
	for _, offset := range []time.Duration{0, time.Minute} {
		require.NoError(t, env.store.Append(history.Entry{
			TargetNumber: "628123456789@s.whatsapp.net",
			Message:      "hello",
			Status:       history.StatusSent,
			SentAt:       base.Add(offset).Format(time.RFC3339Nano),
		}))
	}

	resp := env.do(http.MethodPost, "/messages/history/cleanup", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"kept":1`)
	assert.Contains(t, resp.Body.String(), `"removed":1`)
}

func TestHandler_RepairOne(t *testing.T) {
	env := newTestEnv(t)

	ts := time.Now().UTC()
	require.NoError(t, env.store.Append(history.Entry{
		TargetNumber: "628123456789@s.whatsapp.net",
		Message:      "hello",
		Status:       history.StatusPending,
		SentAt:       ts.Format(time.RFC3339Nano),
	}))

	resp := env.do(http.MethodPost, "/repair/one",
		`{"targetNumber": "08123456789", "timestampMs": `+timestampJSON(ts)+`}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"fixed":true`)

	// Nothing pending anymore.
	resp = env.do(http.MethodPost, "/repair/one",
		`{"targetNumber": "08123456789", "timestampMs": `+timestampJSON(ts)+`}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(http.MethodPost, "/repair/one", `{"targetNumber": "08123456789"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "timestamp is required")
}

func TestHandler_RepairAll(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/repair", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"scanned":0`)
}

func TestHandler_SenderStatus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/sender/status", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"online"`)

	env.sender.online = false
	resp = env.do(http.MethodGet, "/sender/status", "")
	assert.Contains(t, resp.Body.String(), `"status":"offline"`)
}

func timestampJSON(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
