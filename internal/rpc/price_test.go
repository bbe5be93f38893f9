package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func mockPriceServer(t *testing.T, body string, hits *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Query().Get("vs_currencies") != "usd" {
			t.Errorf("vs_currencies = %s, want usd", r.URL.Query().Get("vs_currencies"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPriceClientFetch(t *testing.T) {
	var hits int32
	srv := mockPriceServer(t, `{"kaspa":{"usd":0.12},"ravencoin":{"usd":0.021}}`, &hits)

	client, err := NewPriceClient(srv.URL, "USD", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("NewPriceClient() error = %v", err)
	}
	defer client.Close()

	prices, err := client.Prices(context.Background(), []string{"kaspa", "ravencoin"})
	if err != nil {
		t.Fatalf("Prices() error = %v", err)
	}
	if prices["kaspa"] != 0.12 || prices["ravencoin"] != 0.021 {
		t.Errorf("Prices() = %v", prices)
	}

	// served from cache
	price, err := client.Price(context.Background(), "kaspa")
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if price != 0.12 {
		t.Errorf("Price() = %v, want 0.12", price)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("hits = %d, want 1", got)
	}
}

func TestPriceClientCacheExpiry(t *testing.T) {
	var hits int32
	srv := mockPriceServer(t, `{"kaspa":{"usd":0.12}}`, &hits)

	client, err := NewPriceClient(srv.URL, "usd", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("NewPriceClient() error = %v", err)
	}
	defer client.Close()

	now := time.Unix(1700000000, 0)
	client.now = func() time.Time { return now }

	client.Price(context.Background(), "kaspa")
	now = now.Add(30 * time.Second)
	client.Price(context.Background(), "kaspa")
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("hits within ttl = %d, want 1", got)
	}

	now = now.Add(time.Minute)
	client.Price(context.Background(), "kaspa")
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("hits after ttl = %d, want 2", got)
	}
}

func TestPriceClientMissingQuote(t *testing.T) {
	var hits int32
	srv := mockPriceServer(t, `{"kaspa":{"eur":0.11}}`, &hits)

	client, err := NewPriceClient(srv.URL, "usd", 0, time.Second)
	if err != nil {
		t.Fatalf("NewPriceClient() error = %v", err)
	}
	defer client.Close()

	_, err = client.Price(context.Background(), "kaspa")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("Price() error = %v, want ErrPriceUnavailable", err)
	}
	if _, err := client.Price(context.Background(), ""); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("Price(\"\") error = %v, want ErrPriceUnavailable", err)
	}
}

func TestPriceClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewPriceClient(srv.URL, "usd", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("NewPriceClient() error = %v", err)
	}
	defer client.Close()

	if _, err := client.Price(context.Background(), "kaspa"); err == nil {
		t.Error("Price() should fail on a 429")
	}
}
