package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/activity"
	"github.com/adred-codev/seckill/internal/types"
)

func newTestSource(t *testing.T) (*Client, *httptest.Server, map[string]int64) {
	t.Helper()
	stocks := map[string]int64{"a1": 42}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /activities/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "a1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(activity.Activity{ID: "a1", Name: "sale", Status: activity.StatusActive})
	})
	mux.HandleFunc("GET /activities/{id}/stock", func(w http.ResponseWriter, r *http.Request) {
		n, ok := stocks[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"stock": n})
	})
	mux.HandleFunc("PUT /activities/{id}/stock", func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Stock int64 `json:"stock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stocks[r.PathValue("id")] = p.Stock
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, zerolog.Nop()), ts, stocks
}

func TestLoadActivity(t *testing.T) {
	c, _, _ := newTestSource(t)
	act, err := c.LoadActivity(context.Background(), "a1")
	if err != nil {
		t.Fatalf("LoadActivity: %v", err)
	}
	if act.ID != "a1" || act.Status != activity.StatusActive {
		t.Fatalf("activity = %+v", act)
	}

	_, err = c.LoadActivity(context.Background(), "ghost")
	if types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeNotFound)
	}
}

func TestStockRoundTrip(t *testing.T) {
	c, _, stocks := newTestSource(t)
	n, err := c.LoadStock(context.Background(), "a1")
	if err != nil || n != 42 {
		t.Fatalf("LoadStock = (%d, %v)", n, err)
	}
	if err := c.WriteStock(context.Background(), "a1", 40); err != nil {
		t.Fatalf("WriteStock: %v", err)
	}
	if stocks["a1"] != 40 {
		t.Fatalf("source stock = %d, want 40", stocks["a1"])
	}
}

func TestLoadResolvesKeys(t *testing.T) {
	c, _, _ := newTestSource(t)
	v, err := c.Load(context.Background(), "seckill:stock:a1")
	if err != nil || v != "42" {
		t.Fatalf("Load stock key = (%q, %v)", v, err)
	}
	if _, err := c.Load(context.Background(), "bogus:key"); types.CodeOf(err) != types.CodeInvalidParameter {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeInvalidParameter)
	}
}
