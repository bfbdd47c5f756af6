package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hamba/avro/v2"
)

// HTTPRegistryClient implements SchemaRegistryClient against the Confluent
// Schema Registry REST API. IDs are cached per subject and schema.
type HTTPRegistryClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]int
}

// NewHTTPRegistryClient returns a client for the registry at baseURL.
func NewHTTPRegistryClient(baseURL string) *HTTPRegistryClient {
	return &HTTPRegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   map[string]int{},
	}
}

// GetSchemaID registers schema with POST /subjects/{subject}/versions. The
// registry returns the existing ID when the schema is already registered.
func (c *HTTPRegistryClient) GetSchemaID(ctx context.Context, subject string, schema avro.Schema) (int, error) {
	canonical := schema.String()
	cacheKey := subject + "\x00" + canonical

	c.mu.Lock()
	id, ok := c.cache[cacheKey]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	reqBody, err := json.Marshal(struct {
		Schema string `json:"schema"`
	}{canonical})
	if err != nil {
		return 0, fmt.Errorf("encoding schema: %w", err)
	}

	u := fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("schema registry request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("schema registry error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding registry response: %w", err)
	}

	c.mu.Lock()
	c.cache[cacheKey] = out.ID
	c.mu.Unlock()
	return out.ID, nil
}
