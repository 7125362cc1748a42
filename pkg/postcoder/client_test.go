package postcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bulkHandler(t *testing.T, batches *[][]string) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/postcodes", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Postcodes []string `json:"postcodes"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*batches = append(*batches, req.Postcodes)
		mu.Unlock()

		type hit struct {
			Query  string `json:"query"`
			Result *struct {
				Postcode  string  `json:"postcode"`
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"result"`
		}
		out := struct {
			Result []hit `json:"result"`
		}{}
		for _, pc := range req.Postcodes {
			h := hit{Query: pc}
			if pc != "ZZ99 9ZZ" {
				h.Result = &struct {
					Postcode  string  `json:"postcode"`
					Latitude  float64 `json:"latitude"`
					Longitude float64 `json:"longitude"`
				}{Postcode: pc, Latitude: 53.8, Longitude: -1.55}
			}
			out.Result = append(out.Result, h)
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}
}

func TestLookup(t *testing.T) {
	var batches [][]string
	srv := httptest.NewServer(bulkHandler(t, &batches))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MinInterval: time.Millisecond})
	results, err := c.Lookup(context.Background(), []string{"LS1 1UR", "ZZ99 9ZZ", "LS9 7TF"})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, Result{Postcode: "LS1 1UR", Latitude: 53.8, Longitude: -1.55, Matched: true}, results[0])
	assert.Equal(t, Result{Postcode: "ZZ99 9ZZ"}, results[1])
	assert.True(t, results[2].Matched)

	require.Len(t, batches, 1)
	assert.Equal(t, []string{"LS1 1UR", "ZZ99 9ZZ", "LS9 7TF"}, batches[0])
}

func TestLookup_ChunksBatches(t *testing.T) {
	var batches [][]string
	srv := httptest.NewServer(bulkHandler(t, &batches))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MinInterval: time.Millisecond, BatchSize: 2})

	var postcodes []string
	for i := 0; i < 5; i++ {
		postcodes = append(postcodes, fmt.Sprintf("LS%d 1AA", i+1))
	}
	results, err := c.Lookup(context.Background(), postcodes)
	require.NoError(t, err)

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, postcodes[i], r.Postcode)
		assert.True(t, r.Matched)
	}

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestLookup_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty lookup")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MinInterval: time.Millisecond})
	results, err := c.Lookup(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLookup_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MinInterval: time.Millisecond})
	_, err := c.Lookup(context.Background(), []string{"LS1 1UR"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestNew_ClampsBatchSize(t *testing.T) {
	c := New(Config{BatchSize: 500})
	assert.Equal(t, MaxBatch, c.cfg.BatchSize)

	c = New(Config{})
	assert.Equal(t, MaxBatch, c.cfg.BatchSize)
}
