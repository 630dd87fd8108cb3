// Package fc is a small client for the Prism Central endpoints the
// deployment workflows need: Foundation Central imaging, cluster progress,
// and service enablement.
package fc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrej220/fcdeploy/pkg/resilience"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	defaultPort    = "9440"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20
	listPageLength = 500
)

var ErrNotFound = errors.New("not found")

type Config struct {
	Address  string        `yaml:"address" json:"address" validate:"required"`
	Username string        `yaml:"username" json:"username" validate:"required"`
	Password string        `yaml:"password" json:"-"`
	Insecure bool          `yaml:"insecure" json:"insecure"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// APIError is a non-2xx answer from Prism Central.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is safe for concurrent use by many tasks and monitors.
type Client struct {
	base *url.URL
	cfg  Config
	http *http.Client
	res  *resilience.ResilienceConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithResilience(r *resilience.ResilienceConfig) Option {
	return func(c *Client) { c.res = r }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := baseURL(cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				// Prism Central ships with a self-signed certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure}, //nolint:gosec
			},
		},
		res: resilience.Default("prism-central"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func baseURL(address string) (*url.URL, error) {
	if address == "" {
		return nil, fmt.Errorf("fc: empty address")
	}
	if !strings.Contains(address, "://") {
		if _, _, err := net.SplitHostPort(address); err != nil {
			address = net.JoinHostPort(address, defaultPort)
		}
		address = "https://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("fc: invalid address %q: %w", address, err)
	}
	return u, nil
}

// ImagedNodes returns the available nodes whose serial is in serials, keyed by serial.
// Serials FC does not know are simply absent from the map.
func (c *Client) ImagedNodes(ctx context.Context, serials []string) (map[string]ImagedNode, error) {
	want := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		want[s] = struct{}{}
	}

	req := map[string]any{
		"length":  listPageLength,
		"filters": map[string]any{"node_state": "STATE_AVAILABLE"},
	}
	var resp struct {
		ImagedNodes []ImagedNode `json:"imaged_nodes"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/fc/v1/imaged_nodes/list", req, &resp, true); err != nil {
		return nil, fmt.Errorf("list imaged nodes: %w", err)
	}

	out := make(map[string]ImagedNode, len(serials))
	for _, n := range resp.ImagedNodes {
		if _, ok := want[n.Serial()]; ok {
			out[n.Serial()] = n
		}
	}
	return out, nil
}

// CreateImagedCluster submits an imaging/cluster deployment and returns its handle.
// It is sent once: a retried POST could start a second deployment.
func (c *Client) CreateImagedCluster(ctx context.Context, payload map[string]any) (uuid.UUID, error) {
	var resp struct {
		ImagedClusterUUID string `json:"imaged_cluster_uuid"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/fc/v1/imaged_clusters", payload, &resp, false); err != nil {
		return uuid.Nil, fmt.Errorf("create imaged cluster: %w", err)
	}
	id, err := uuid.Parse(resp.ImagedClusterUUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create imaged cluster: bad uuid %q: %w", resp.ImagedClusterUUID, err)
	}
	return id, nil
}

// ImagedClusterProgress reads the deployment status once.
func (c *Client) ImagedClusterProgress(ctx context.Context, id uuid.UUID) (*ClusterProgress, error) {
	var p ClusterProgress
	if err := c.do(ctx, http.MethodGet, "/api/fc/v1/imaged_clusters/"+id.String(), nil, &p, false); err != nil {
		return nil, fmt.Errorf("imaged cluster %s: %w", id, err)
	}
	return &p, nil
}

// IsFCEnabled asks genesis whether the Foundation Central service runs.
func (c *Client) IsFCEnabled(ctx context.Context) (bool, error) {
	ret, err := c.genesis(ctx, "is_service_enabled", map[string]any{"service_name": "foundation_central"})
	if err != nil {
		return false, err
	}
	return parseReturn(ret)
}

func (c *Client) EnableFC(ctx context.Context) (bool, error) {
	list, _ := json.Marshal(map[string]any{"service_list": []string{"FoundationCentralService"}})
	ret, err := c.genesis(ctx, "enable_service", map[string]any{"service_list_json": string(list)})
	if err != nil {
		return false, err
	}
	return parseReturn(ret)
}

func (c *Client) IsMarketplaceEnabled(ctx context.Context) (bool, error) {
	var resp struct {
		Status string `json:"service_enablement_status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/nutanix/v3/services/marketplace", nil, &resp, false); err != nil {
		return false, fmt.Errorf("marketplace status: %w", err)
	}
	return strings.EqualFold(resp.Status, "ENABLED"), nil
}

func (c *Client) EnableMarketplace(ctx context.Context) error {
	req := map[string]string{"state": "ENABLE"}
	if err := c.do(ctx, http.MethodPost, "/api/nutanix/v3/services/marketplace", req, nil, false); err != nil {
		return fmt.Errorf("enable marketplace: %w", err)
	}
	return nil
}

type genesisEnvelope struct {
	Value string `json:"value"`
}

func (c *Client) genesis(ctx context.Context, method string, kwargs map[string]any) (json.RawMessage, error) {
	call, err := json.Marshal(map[string]any{
		".oid":    "ClusterManager",
		".method": method,
		".kwargs": kwargs,
	})
	if err != nil {
		return nil, err
	}
	var resp genesisEnvelope
	if err := c.do(ctx, http.MethodPost, "/PrismGateway/services/rest/v1/genesis", genesisEnvelope{Value: string(call)}, &resp, false); err != nil {
		return nil, fmt.Errorf("genesis %s: %w", method, err)
	}
	var inner struct {
		Return json.RawMessage `json:".return"`
	}
	if err := json.Unmarshal([]byte(resp.Value), &inner); err != nil {
		return nil, fmt.Errorf("genesis %s: decode value: %w", method, err)
	}
	return inner.Return, nil
}

// parseReturn accepts both `true` and `[true, "message"]`.
func parseReturn(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		return false, fmt.Errorf("unexpected genesis return %s", string(raw))
	}
	if err := json.Unmarshal(list[0], &b); err != nil {
		return false, fmt.Errorf("unexpected genesis return %s", string(raw))
	}
	return b, nil
}

// do sends one API call. Idempotent calls are retried with backoff on
// transport errors and 5xx; all calls go through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	op := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if resp.StatusCode < 500 {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	var err error
	if idempotent {
		err = c.res.Retry(ctx, op)
	} else {
		err = c.res.Execute(op)
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
