// Package secretstore resolves secret references embedded in definition
// documents against the external secret store service.
package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 1 << 20 // 1MiB

	// RefScheme prefixes a field value that refers to a stored secret
	// instead of carrying the material inline.
	RefScheme = "secret://"
)

// ErrUnavailable marks a resolution failure that is expected to be
// transient or environmental: the store is unreachable, or the referenced
// secret cannot currently be decrypted or found. Callers scanning many
// definitions skip such rows instead of failing the scan.
var ErrUnavailable = errors.New("secret unavailable")

// Resolver resolves a secret reference to its plaintext value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsRef reports whether value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefScheme)
}

// Config configures the secret store client.
type Config struct {
	// BaseURL is the base URL of the secret store service.
	BaseURL string
	// HTTPClient executes requests. When nil, a default client with a
	// conservative timeout is used.
	HTTPClient *http.Client
	// MaxBodyBytes caps response bodies to prevent memory exhaustion.
	MaxBodyBytes int64
}

// Client fetches decrypted secret values over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxBodyBytes int64
}

var _ Resolver = (*Client)(nil)

// New creates a secret store client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("secretstore: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("secretstore: BaseURL must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("secretstore: BaseURL scheme must be http or https")
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("secretstore: BaseURL must not include user info")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodySize
	}

	return &Client{
		baseURL:      baseURL,
		httpClient:   client,
		maxBodyBytes: maxBodyBytes,
	}, nil
}

type secretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Resolve fetches the plaintext value for ref. ref must use the secret://
// scheme. Connectivity failures and store-side resolution failures are
// reported as ErrUnavailable so callers can treat them as recoverable.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("secretstore: client is nil")
	}
	if !IsRef(ref) {
		return "", fmt.Errorf("secretstore: %q is not a secret reference", ref)
	}
	name := strings.TrimPrefix(ref, RefScheme)
	if name == "" {
		return "", fmt.Errorf("secretstore: empty secret name in reference")
	}

	endpoint := c.baseURL + "/v1/secrets/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("secretstore: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("secretstore: %s: %v: %w", name, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("secretstore: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("secretstore: %s: status %d: %w", name, resp.StatusCode, ErrUnavailable)
	default:
		return "", fmt.Errorf("secretstore: %s: unexpected status %d", name, resp.StatusCode)
	}

	var parsed secretResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("secretstore: decode response: %w", err)
	}
	return parsed.Value, nil
}

// ResolveField resolves *field in place when it holds a secret reference.
// Plain values are left untouched.
func ResolveField(ctx context.Context, r Resolver, field *string) error {
	if field == nil || !IsRef(*field) {
		return nil
	}
	if r == nil {
		return fmt.Errorf("secretstore: no resolver configured: %w", ErrUnavailable)
	}
	value, err := r.Resolve(ctx, *field)
	if err != nil {
		return err
	}
	*field = value
	return nil
}
