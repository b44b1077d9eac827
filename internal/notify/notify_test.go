package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		UserID:    "user-1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventEscrowReleased},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	store.Delete(ctx, "wh_test1")
	_, err = store.Get(ctx, "wh_test1")
	if err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", UserID: "user-a", Events: []EventType{EventEscrowReleased}})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "user-b", Events: []EventType{EventEscrowReleased}})
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "user-a", Events: []EventType{EventDisputeOpened}})

	subs, _ := store.GetByUser(ctx, "user-a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for user-a, got %d", len(subs))
	}
}

func TestSign(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"escrow.released","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	payload := []byte(`{"test": true}`)
	sig1 := d.sign(payload, "secret1")
	sig2 := d.sign(payload, "secret2")

	if sig1 == sig2 {
		t.Error("Different secrets should produce different signatures")
	}
}

func TestDispatchToUser_FiltersCorrectly(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	// User A has two hooks for different events
	store.Create(ctx, &Subscription{ID: "wh1", UserID: "user-a", URL: server.URL, Events: []EventType{EventEscrowReleased}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "user-a", URL: server.URL, Events: []EventType{EventDisputeOpened}, Active: true})
	// User B subscribes to the same event
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "user-b", URL: server.URL, Events: []EventType{EventEscrowReleased}, Active: true})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{Type: EventEscrowReleased, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery, got %d", received.Load())
	}
}

func TestDispatchToUser_SkipsInactive(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "user-a",
		URL:    server.URL,
		Events: []EventType{EventEscrowReleased},
		Active: false,
	})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{Type: EventEscrowReleased, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_IncludesSignatureAndHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig, gotEventType, gotTimestamp string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Slabmarket-Signature")
		gotEventType = r.Header.Get("X-Slabmarket-Event")
		gotTimestamp = r.Header.Get("X-Slabmarket-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "user-a",
		URL:    server.URL,
		Events: []EventType{EventEscrowRefunded},
		Active: true,
		Secret: secret,
	})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{
		Type:      EventEscrowRefunded,
		Timestamp: time.Now(),
		Data:      map[string]any{"transaction_id": "esc_1", "price": int64(10000)},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	if gotSig != hex.EncodeToString(h.Sum(nil)) {
		t.Error("Signature does not verify against body")
	}
	if gotEventType != "escrow.refunded" {
		t.Errorf("Expected event type escrow.refunded, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventEscrowRefunded {
		t.Errorf("Expected type escrow.refunded, got %s", parsed.Type)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "user-a",
		URL:    server.URL,
		Events: []EventType{EventEscrowReleased},
		Active: true,
	})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{Type: EventEscrowReleased, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "user-a",
		URL:    server.URL,
		Events: []EventType{EventEscrowReleased},
		Active: true,
	})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{Type: EventEscrowReleased, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	// Must not panic with a nil receiver
	e.emit("user-a", EventEscrowReleased, nil)
}
