// Package postcoder geocodes postcodes via the bulk lookup API
// (at most 100 postcodes per request).
package postcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/opencivic/spendmatch/internal/resilience"
)

// MaxBatch is the API's hard cap on postcodes per bulk request.
const MaxBatch = 100

// Config configures the geocoder client.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// Result is the geocode outcome for one postcode.
type Result struct {
	Postcode  string
	Latitude  float64
	Longitude float64
	Matched   bool
}

// Client performs bulk postcode lookups.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// New creates a geocoder client.
func New(cfg Config) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatch {
		cfg.BatchSize = MaxBatch
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("postcoder", "bulk lookup")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		retry:      retry,
	}
}

type bulkResponse struct {
	Result []struct {
		Query  string `json:"query"`
		Result *struct {
			Postcode  string  `json:"postcode"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"result"`
	} `json:"result"`
}

// Lookup geocodes postcodes, chunking into batches of at most BatchSize.
// Results preserve input order; unknown postcodes come back Matched=false.
func (c *Client) Lookup(ctx context.Context, postcodes []string) ([]Result, error) {
	results := make([]Result, 0, len(postcodes))
	for start := 0; start < len(postcodes); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(postcodes))
		batch, err := c.lookupBatch(ctx, postcodes[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (c *Client) lookupBatch(ctx context.Context, postcodes []string) ([]Result, error) {
	payload, err := json.Marshal(map[string][]string{"postcodes": postcodes})
	if err != nil {
		return nil, eris.Wrap(err, "postcoder: marshal request")
	}

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "postcoder: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/postcodes", bytes.NewReader(payload))
		if err != nil {
			return nil, eris.Wrap(err, "postcoder: build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "postcoder: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("postcoder: status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.TransientFromResponse(err, resp)
			}
			return nil, err
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}

	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "postcoder: parse response")
	}

	byQuery := make(map[string]Result, len(resp.Result))
	for _, item := range resp.Result {
		r := Result{Postcode: item.Query}
		if item.Result != nil {
			r.Postcode = item.Result.Postcode
			r.Latitude = item.Result.Latitude
			r.Longitude = item.Result.Longitude
			r.Matched = true
		}
		byQuery[item.Query] = r
	}

	results := make([]Result, len(postcodes))
	for i, pc := range postcodes {
		if r, ok := byQuery[pc]; ok {
			results[i] = r
		} else {
			results[i] = Result{Postcode: pc}
		}
	}
	return results, nil
}
