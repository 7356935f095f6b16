package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finboard/feedclient/internal/auth"
)

func TestClient_GetSnapshot(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		channel := r.URL.Query().Get("channel")
		fmt.Fprintf(w, `{"snapshot":{"channel":%q,"data":{"price":187.2}}}`, channel)
	}))
	defer server.Close()

	c := NewClient(server.URL, auth.StaticToken("tok"), WithTimeout(time.Second))

	snap, err := c.GetSnapshot(context.Background(), "market.AAPL")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Channel != "market.AAPL" {
		t.Errorf("channel = %q", snap.Channel)
	}
	if string(snap.Data) != `{"price":187.2}` {
		t.Errorf("data = %s", snap.Data)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", gotAuth)
	}
}

func TestClient_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"snapshot":{"channel":"market.AAPL","data":{}}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, WithRetries(3, time.Millisecond))

	if _, err := c.GetSnapshot(context.Background(), "market.AAPL"); err != nil {
		t.Fatalf("GetSnapshot failed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("made %d requests, want 3", calls.Load())
	}
}

func TestClient_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, WithRetries(3, time.Millisecond))

	_, err := c.GetSnapshot(context.Background(), "market.AAPL")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d requests, want 1 (4xx is not retryable)", calls.Load())
	}
}

func TestClient_FetchSnapshots(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		mu.Lock()
		seen[channel] = true
		mu.Unlock()
		fmt.Fprintf(w, `{"snapshot":{"channel":%q,"data":{"ok":true}}}`, channel)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, WithConcurrency(2))

	channels := []string{"market.AAPL", "market.MSFT", "book.AAPL"}
	snaps, err := c.FetchSnapshots(context.Background(), channels)
	if err != nil {
		t.Fatalf("FetchSnapshots failed: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	for _, ch := range channels {
		if !seen[ch] {
			t.Errorf("channel %q never fetched", ch)
		}
	}
}

func TestClient_FetchSnapshots_PartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "market.BAD" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"snapshot":{"channel":%q,"data":{}}}`, channel)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)

	snaps, err := c.FetchSnapshots(context.Background(), []string{"market.AAPL", "market.BAD"})
	if err == nil {
		t.Error("expected first error to surface")
	}
	if len(snaps) != 1 || snaps[0].Channel != "market.AAPL" {
		t.Errorf("snaps = %+v, want the surviving channel", snaps)
	}
}

func TestClient_FetchSnapshots_Empty(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil)
	snaps, err := c.FetchSnapshots(context.Background(), nil)
	if err != nil || snaps != nil {
		t.Errorf("FetchSnapshots(nil) = %v, %v; want nil, nil", snaps, err)
	}
}
