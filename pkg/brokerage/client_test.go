package brokerage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, zerolog.Nop())
}

func TestPlaceOrderReturnsID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("missing credential header, got %q", got)
		}
		w.Write([]byte(`{"order_id":"O42"}`))
	})

	id, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "ABCD", Side: SideSell, Quantity: 100})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "O42" {
		t.Fatalf("order id = %q, want O42", id)
	}
}

func TestServerErrorIsInconclusive(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := c.GetOrders(context.Background(), "ABCD"); !errors.Is(err, ErrInconclusive) {
		t.Fatalf("5xx on GET should be inconclusive, got %v", err)
	}
	if _, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "ABCD"}); !errors.Is(err, ErrInconclusive) {
		t.Fatalf("5xx on POST should be inconclusive, got %v", err)
	}
}

func TestNotFoundOnGetIsInconclusive(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetOrders(context.Background(), "ABCD")
	if !errors.Is(err, ErrInconclusive) {
		t.Fatalf("404 on GET must never mean no orders, got %v", err)
	}
}

func TestConnectionFailureIsInconclusive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // dial will now be refused

	c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := c.GetOrders(context.Background(), ""); !errors.Is(err, ErrInconclusive) {
		t.Fatalf("connection failure should be inconclusive, got %v", err)
	}
}

func TestRejectedOnClientError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"duplicate order"}`))
	})

	if _, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "ABCD"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("4xx on POST should be a rejection, got %v", err)
	}
	if err := c.ModifyOrder(context.Background(), "O1", 3.9, 3.88); !errors.Is(err, ErrRejected) {
		t.Fatalf("4xx on PUT should be a rejection, got %v", err)
	}
}

func TestCancelAlreadyGoneIsSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := c.CancelOrder(context.Background(), "O1"); err != nil {
		t.Fatalf("cancel of missing order should succeed, got %v", err)
	}
}

func TestGetOrdersNormalizesFrames(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "ABCD" {
			t.Errorf("symbol filter = %q", got)
		}
		w.Write([]byte(`{"orders":[{"OrderID":"O1","Status":"ACK","OrderType":"StopLimit","StopPrice":3.9,"Legs":[{"Symbol":"ABCD","BuyOrSell":"SELL","QuantityOrdered":100,"QuantityRemaining":100}]}]}`))
	})

	orders, err := c.GetOrders(context.Background(), "ABCD")
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	o := orders[0]
	if o.Status != StatusAcknowledged || o.Symbol != "ABCD" || o.Side != SideSell {
		t.Fatalf("frame not normalized: %+v", o)
	}
}
