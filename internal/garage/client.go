// Package garage is a client for the Garage admin API v2, plus the
// provisioning logic for Mechanic's own S3 access key.
//
// Every call is made on behalf of the operator: the admin token bound to the
// browser session is passed in and sent as a bearer token. The client holds
// no credentials of its own.
package garage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stouder/mechanic/internal/apperr"
)

// maxErrorBody caps how much of a failed response is kept for error messages.
const maxErrorBody = 4 << 10

// Client talks to the Garage admin API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the admin API at baseURL
// (e.g. http://garage:3903).
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// ListKeys lists every access key of the cluster.
func (c *Client) ListKeys(ctx context.Context, token string) ([]ListKeysItem, error) {
	var keys []ListKeysItem
	if err := c.do(ctx, token, http.MethodGet, "/v2/ListKeys", nil, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// CreateKey creates an access key.
func (c *Client) CreateKey(ctx context.Context, token string, req CreateKeyRequest) (*KeyInfo, error) {
	var key KeyInfo
	if err := c.do(ctx, token, http.MethodPost, "/v2/CreateKey", nil, req, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// GetKeyInfo fetches one key. showSecret asks Garage to include the secret
// access key in the response.
func (c *Client) GetKeyInfo(ctx context.Context, token, id string, showSecret bool) (*KeyInfo, error) {
	q := url.Values{}
	q.Set("id", id)
	if showSecret {
		q.Set("showSecretKey", "true")
	}
	var key KeyInfo
	if err := c.do(ctx, token, http.MethodGet, "/v2/GetKeyInfo", q, nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// AllowBucketKey extends the permissions of a key on a bucket. Permissions
// already granted are kept.
func (c *Client) AllowBucketKey(ctx context.Context, token string, req AllowBucketKeyRequest) error {
	return c.do(ctx, token, http.MethodPost, "/v2/AllowBucketKey", nil, req, nil)
}

// GetBucketInfo fetches a bucket by ID and flattens its aliases.
func (c *Client) GetBucketInfo(ctx context.Context, token, bucketID string) (*BucketInfo, error) {
	q := url.Values{}
	q.Set("id", bucketID)
	var resp BucketInfoResponse
	if err := c.do(ctx, token, http.MethodGet, "/v2/GetBucketInfo", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, apperr.NotFound("bucket info for id %s was not found", bucketID)
	}
	info, err := resp.toDomain()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "unexpected GetBucketInfo response", err)
	}
	return info, nil
}

// GetAdminTokenInfo fetches an admin token by ID.
func (c *Client) GetAdminTokenInfo(ctx context.Context, token, id string) (*AdminTokenInfo, error) {
	q := url.Values{}
	q.Set("id", id)
	var resp AdminTokenInfoResponse
	if err := c.do(ctx, token, http.MethodGet, "/v2/GetAdminTokenInfo", q, nil, &resp); err != nil {
		return nil, err
	}
	info, err := resp.toDomain()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "unexpected GetAdminTokenInfo response", err)
	}
	return info, nil
}

// Health calls the unauthenticated /health endpoint, which answers 200 only
// when the cluster can serve requests.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return apperr.Transport("garage admin API unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return apperr.Upstream(resp.StatusCode, fmt.Sprintf("garage health check returned %d", resp.StatusCode), nil)
	}
	return nil
}

// do performs one JSON request. in may be nil for bodiless requests and out
// may be nil when the response body is irrelevant.
func (c *Client) do(ctx context.Context, token, method, path string, query url.Values, in, out any) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return apperr.Transport(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(path, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return apperr.Wrap(apperr.KindInternal, fmt.Sprintf("failed to decode %s response", path), err)
	}
	return nil
}

// statusError maps a non-2xx admin API answer onto an apperr.Error.
func statusError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	detail := strings.TrimSpace(string(raw))
	var garageErr errorResponse
	if json.Unmarshal(raw, &garageErr) == nil && garageErr.Message != "" {
		detail = garageErr.Message
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, detail)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("%s: resource was not found", path), cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.Upstream(resp.StatusCode, http.StatusText(resp.StatusCode), cause)
	default:
		return apperr.Upstream(resp.StatusCode, fmt.Sprintf("%s returned %d", path, resp.StatusCode), cause)
	}
}
