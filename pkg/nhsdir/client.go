// Package nhsdir is a rate-limited client for the healthcare-provider
// organisation directory.
package nhsdir

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/opencivic/spendmatch/internal/resilience"
)

// Config configures the directory client.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	MaxResults  int           `mapstructure:"max_results"`
}

// Organisation is one directory hit.
type Organisation struct {
	ODSCode  string `json:"ods_code"`
	Name     string `json:"name"`
	Postcode string `json:"postcode"`
	Status   string `json:"status"`
}

// Client searches the healthcare-provider directory.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// New creates a directory client.
func New(cfg Config) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 400 * time.Millisecond
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	retry.OnRetry = resilience.RetryLogger("nhsdir", "search")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		retry:      retry,
	}
}

type searchResponse struct {
	Organisations []struct {
		Name     string `json:"Name"`
		OrgID    string `json:"OrgId"`
		Status   string `json:"Status"`
		PostCode string `json:"PostCode"`
	} `json:"Organisations"`
}

// Search queries the directory for organisations matching name.
func (c *Client) Search(ctx context.Context, name string) ([]Organisation, error) {
	params := url.Values{
		"Name":    {name},
		"Limit":   {strconv.Itoa(c.cfg.MaxResults)},
		"Status":  {"Active"},
		"_format": {"json"},
	}
	reqURL := c.cfg.BaseURL + "/organisations?" + params.Encode()

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "nhsdir: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "nhsdir: build request")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "nhsdir: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("nhsdir: status %d", resp.StatusCode)
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

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "nhsdir: parse response")
	}

	orgs := make([]Organisation, 0, len(resp.Organisations))
	for _, o := range resp.Organisations {
		orgs = append(orgs, Organisation{
			ODSCode:  o.OrgID,
			Name:     o.Name,
			Postcode: o.PostCode,
			Status:   o.Status,
		})
	}
	return orgs, nil
}
