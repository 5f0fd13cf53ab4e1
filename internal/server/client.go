package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIError is a non-200 answer from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (HTTP %d, request %s)", e.Message, e.Status, e.RequestID)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client calls a running server's product routes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL. A bare host:port
// is taken as http. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// AddProduct registers a model and its validator, returning the new key.
func (c *Client) AddProduct(ctx context.Context, model, validator []byte) (int64, error) {
	var resp AddResponse
	if err := c.post(ctx, "/add_product", AddRequest{Model: model, ArgsTest: validator}, &resp); err != nil {
		return 0, err
	}
	return resp.NewProductKey, nil
}

// Infer runs product key on args and returns the raw JSON result.
func (c *Client) Infer(ctx context.Context, key int64, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	var resp json.RawMessage
	if err := c.post(ctx, "/infer/"+strconv.FormatInt(key, 10), args, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RemoveProduct deletes product key.
func (c *Client) RemoveProduct(ctx context.Context, key int64) error {
	var resp RemoveResponse
	return c.post(ctx, "/remove_product/"+strconv.FormatInt(key, 10), nil, &resp)
}

// ListProducts returns the active keys in ascending order.
func (c *Client) ListProducts(ctx context.Context) ([]int64, error) {
	var resp ListResponse
	if err := c.post(ctx, "/list_products", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ActiveProductKeys, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, uuid.Must(uuid.NewV7()).String())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(RequestIDHeader)}
		var msg messageBody
		if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is the server's product-not-found answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest && apiErr.Message == msgNotFound
}
