package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

const (
	// MaxBodyBytes caps the response body read from an upstream provider.
	MaxBodyBytes = 1 << 20

	// MaxLimit caps the number of skeleton items requested per page.
	MaxLimit     = 100
	DefaultLimit = 25

	requestTimeout = 10 * time.Second
)

// SkeletonItem carries the single whitelisted field from an upstream
// skeleton response: the AT-URI of a candidate dataset. Everything else
// the provider returns is discarded.
type SkeletonItem struct {
	Reference string `json:"reference"`
}

// SkeletonPage is one page of provider results plus an optional
// continuation cursor.
type SkeletonPage struct {
	Items  []SkeletonItem
	Cursor string
}

// Fetcher issues SSRF-guarded requests to index provider endpoints.
type Fetcher struct {
	validator *Validator
	client    *http.Client
}

// NewFetcher builds a Fetcher. The underlying transport re-checks the
// dialed address at connect time, so a hostname whose DNS answer changed
// since ingestion-time validation is still refused.
func NewFetcher(validator *Validator) *Fetcher {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			if validator.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("splitting dial address: %w", err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("dial address %q is not an ip", host)
			}
			return checkAddr(ip)
		},
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &Fetcher{
		validator: validator,
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			// Redirects could bounce the request to an unvalidated target.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Validator returns the fetcher's URL validator, shared with ingestion.
func (f *Fetcher) Validator() *Validator { return f.validator }

// skeletonResponse is the upstream wire shape. Only the reference field
// of each item survives parsing.
type skeletonResponse struct {
	Datasets []struct {
		Reference string `json:"reference"`
	} `json:"datasets"`
	Cursor string `json:"cursor"`
}

// FetchSkeleton queries a provider's skeleton endpoint and returns at
// most limit whitelisted references. The endpoint URL is re-validated
// on every call.
func (f *Fetcher) FetchSkeleton(ctx context.Context, endpoint, query string, limit int, cursor string) (*SkeletonPage, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if err := ValidateCursor(cursor); err != nil {
		return nil, fmt.Errorf("validating cursor: %w", err)
	}

	u, err := f.validator.ValidateURL(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("validating provider endpoint: %w", err)
	}

	q := u.Query()
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching skeleton: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body, err := readCapped(resp.Body, MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	var parsed skeletonResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding skeleton response: %w", err)
	}

	page := &SkeletonPage{Cursor: parsed.Cursor}
	for _, d := range parsed.Datasets {
		if len(page.Items) >= limit {
			break
		}
		if d.Reference == "" {
			continue
		}
		page.Items = append(page.Items, SkeletonItem{Reference: d.Reference})
	}
	return page, nil
}

// readCapped reads at most max bytes and errors if the body is larger.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("provider response exceeds %d bytes", max)
	}
	return body, nil
}
