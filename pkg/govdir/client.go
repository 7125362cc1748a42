// Package govdir is a rate-limited client for the local- and
// national-government organisation registers. Both registers expose the same
// record shape, so one client serves either base URL.
package govdir

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/opencivic/spendmatch/internal/resilience"
)

// Config configures a register client.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// Record is one register entry.
type Record struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	EndDate string `json:"end_date,omitempty"`
}

// Active reports whether the register entry is still current.
func (r Record) Active() bool { return r.EndDate == "" }

// Client searches a government organisation register. The register API has
// no server-side name filter, so the client fetches the (small) register and
// filters locally, caching the record list for the cache TTL.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig

	cacheMu  chan struct{} // 1-slot semaphore guarding cache refresh
	cached   []Record
	cachedAt time.Time
	cacheTTL time.Duration
}

// New creates a register client.
func New(cfg Config) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 300 * time.Millisecond
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	retry.OnRetry = resilience.RetryLogger("govdir", "records")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		retry:      retry,
		cacheMu:    make(chan struct{}, 1),
		cacheTTL:   time.Hour,
	}
	c.cacheMu <- struct{}{}
	return c
}

// Search returns register records whose name contains the query,
// case-insensitively. Ended records are excluded.
func (c *Client) Search(ctx context.Context, name string) ([]Record, error) {
	records, err := c.records(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(name))
	var out []Record
	for _, r := range records {
		if !r.Active() {
			continue
		}
		if strings.Contains(strings.ToLower(r.Name), needle) {
			out = append(out, r)
		}
	}
	return out, nil
}

// records returns the cached register, refreshing it when stale. Only one
// caller refreshes at a time; others wait for the fresh copy.
func (c *Client) records(ctx context.Context) ([]Record, error) {
	select {
	case <-c.cacheMu:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "govdir: cache wait")
	}
	defer func() { c.cacheMu <- struct{}{} }()

	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		return c.cached, nil
	}

	records, err := resilience.DoVal(ctx, c.retry, c.fetchRecords)
	if err != nil {
		// Serve a stale cache over a hard failure.
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = records
	c.cachedAt = time.Now()
	return records, nil
}

func (c *Client) fetchRecords(ctx context.Context) ([]Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "govdir: rate limit wait")
	}

	reqURL := c.cfg.BaseURL + "/records.json?" + url.Values{"page-size": {"5000"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "govdir: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "govdir: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("govdir: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.TransientFromResponse(err, resp)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "govdir: read body")
	}

	// The register returns a map keyed by code, each value wrapping the
	// latest item for that key.
	var raw map[string]struct {
		Item []struct {
			Code    string `json:"organisation"`
			AltCode string `json:"local-authority-eng"`
			Name    string `json:"name"`
			EndDate string `json:"end-date"`
		} `json:"item"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "govdir: parse response")
	}

	records := make([]Record, 0, len(raw))
	for key, entry := range raw {
		if len(entry.Item) == 0 {
			continue
		}
		item := entry.Item[0]
		code := item.Code
		if code == "" {
			code = item.AltCode
		}
		if code == "" {
			code = key
		}
		records = append(records, Record{
			Code:    code,
			Name:    item.Name,
			EndDate: item.EndDate,
		})
	}
	return records, nil
}
