// Package companieshouse is a rate-limited client for the company registry
// search and profile APIs.
package companieshouse

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

// Config configures the company registry client.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	MaxResults  int           `mapstructure:"max_results"`
}

// Company is one search hit from the registry.
type Company struct {
	CompanyNumber string `json:"company_number"`
	Title         string `json:"title"`
	CompanyStatus string `json:"company_status"`
	AddressLine   string `json:"address_line"`
	Postcode      string `json:"postcode"`
}

// Profile is the full registry record for one company number.
type Profile struct {
	CompanyNumber string `json:"company_number"`
	CompanyName   string `json:"company_name"`
	CompanyStatus string `json:"company_status"`
	AddressLine   string `json:"address_line"`
	Postcode      string `json:"postcode"`
}

// Client calls the company registry. The rate limiter is shared across all
// concurrent callers; callers block until their slot rather than bursting.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// New creates a company registry client.
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
	retry.OnRetry = resilience.RetryLogger("companieshouse", "request")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		retry:      retry,
	}
}

type searchResponse struct {
	Items []struct {
		CompanyNumber string `json:"company_number"`
		Title         string `json:"title"`
		CompanyStatus string `json:"company_status"`
		Address       struct {
			AddressLine1 string `json:"address_line_1"`
			PostalCode   string `json:"postal_code"`
		} `json:"address"`
	} `json:"items"`
}

// Search queries the registry for companies matching name.
func (c *Client) Search(ctx context.Context, name string) ([]Company, error) {
	params := url.Values{
		"q":              {name},
		"items_per_page": {strconv.Itoa(c.cfg.MaxResults)},
	}
	reqURL := c.cfg.BaseURL + "/search/companies?" + params.Encode()

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, reqURL)
	})
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "companieshouse: parse search response")
	}

	companies := make([]Company, 0, len(resp.Items))
	for _, item := range resp.Items {
		companies = append(companies, Company{
			CompanyNumber: item.CompanyNumber,
			Title:         item.Title,
			CompanyStatus: item.CompanyStatus,
			AddressLine:   item.Address.AddressLine1,
			Postcode:      item.Address.PostalCode,
		})
	}
	return companies, nil
}

type profileResponse struct {
	CompanyNumber           string `json:"company_number"`
	CompanyName             string `json:"company_name"`
	CompanyStatus           string `json:"company_status"`
	RegisteredOfficeAddress struct {
		AddressLine1 string `json:"address_line_1"`
		PostalCode   string `json:"postal_code"`
	} `json:"registered_office_address"`
}

// FetchProfile retrieves the full record for a company number.
func (c *Client) FetchProfile(ctx context.Context, companyNumber string) (*Profile, error) {
	reqURL := c.cfg.BaseURL + "/company/" + url.PathEscape(companyNumber)

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, reqURL)
	})
	if err != nil {
		return nil, err
	}

	var resp profileResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "companieshouse: parse profile response")
	}

	return &Profile{
		CompanyNumber: resp.CompanyNumber,
		CompanyName:   resp.CompanyName,
		CompanyStatus: resp.CompanyStatus,
		AddressLine:   resp.RegisteredOfficeAddress.AddressLine1,
		Postcode:      resp.RegisteredOfficeAddress.PostalCode,
	}, nil
}

// get performs one rate-limited request. 429 and 5xx responses come back as
// transient errors carrying any Retry-After hint so the retry loop can honor it.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "companieshouse: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "companieshouse: build request")
	}
	// The registry uses the API key as a basic-auth username with empty password.
	req.SetBasicAuth(c.cfg.APIKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "companieshouse: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("companieshouse: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.TransientFromResponse(err, resp)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "companieshouse: read body")
	}
	return body, nil
}
