// Package sdk provides the client-side library for the Celerix machines API
// together with the driver contracts the service is built on.
package sdk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

// Client is a remote client for the machines REST API.
type Client struct {
	base       string
	token      string
	selfSigned bool
	http       *http.Client
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status   int
	Failures []schema.Failure
	Fields   map[string][]string
}

func (e *APIError) Error() string {
	if len(e.Failures) > 0 {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Failures[0].Message)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for f, msgs := range e.Fields {
			parts = append(parts, f+": "+strings.Join(msgs, "; "))
		}
		return fmt.Sprintf("api error %d: %s", e.Status, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// Option configures a Client.
type Option func(*Client)

// WithSelfSignedTLS makes the client accept the daemon's self-signed certificate.
// Addresses without a scheme are then dialed over https.
func WithSelfSignedTLS() Option {
	return func(c *Client) {
		c.selfSigned = true
	}
}

// Connect returns a client for the API at addr, authenticating with token.
// addr may omit the scheme; plain http is assumed unless WithSelfSignedTLS is given.
func Connect(addr, token string, opts ...Option) *Client {
	c := &Client{token: token}
	for _, opt := range opts {
		opt(c)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	scheme := "http://"
	if c.selfSigned {
		scheme = "https://"
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // the daemon serves a self-signed certificate
		}
	}
	if !strings.Contains(addr, "://") {
		addr = scheme + addr
	}

	c.base = strings.TrimRight(addr, "/")
	c.http = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var resp *http.Response
	var err error

	// Try up to 3 times on transport errors; API errors are returned as-is.
	for i := 0; i < 3; i++ {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Token "+c.token)
		}

		resp, err = c.http.Do(req)
		if err == nil {
			break
		}
		fmt.Fprintf(os.Stderr, "[Celerix SDK] Attempt %d failed: %v\n", i+1, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration((i+1)*200) * time.Millisecond):
		}
	}
	if err != nil {
		return fmt.Errorf("failed after 3 attempts. last error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var fb schema.FailureBody
		if json.Unmarshal(data, &fb) == nil && len(fb.Errors) > 0 {
			apiErr.Failures = fb.Errors
		} else {
			_ = json.Unmarshal(data, &apiErr.Fields)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func machinePath(providerID, identityID string) string {
	return fmt.Sprintf("/api/v1/provider/%s/identity/%s/machine",
		url.PathEscape(providerID), url.PathEscape(identityID))
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

// ListMachines returns the filtered machines visible to the identity.
func (c *Client) ListMachines(ctx context.Context, providerID, identityID string) ([]*schema.CoreMachine, error) {
	var out []*schema.CoreMachine
	err := c.do(ctx, http.MethodGet, machinePath(providerID, identityID), nil, &out)
	return out, err
}

// MachineHistory returns every machine created by the caller, newest first.
func (c *Client) MachineHistory(ctx context.Context, providerID, identityID string) ([]*schema.CoreMachine, error) {
	var out []*schema.CoreMachine
	err := c.do(ctx, http.MethodGet, machinePath(providerID, identityID)+"/history", nil, &out)
	return out, err
}

// MachineHistoryPage returns one page of the caller's machine history.
func (c *Client) MachineHistoryPage(ctx context.Context, providerID, identityID string, page int) (*schema.MachinePage, error) {
	var out schema.MachinePage
	path := machinePath(providerID, identityID) + "/history?page=" + strconv.Itoa(page)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMachine fetches a single machine by ID.
func (c *Client) GetMachine(ctx context.Context, providerID, identityID, machineID string) (*schema.CoreMachine, error) {
	var out schema.CoreMachine
	path := machinePath(providerID, identityID) + "/" + url.PathEscape(machineID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMachine applies a partial update to a machine.
func (c *Client) UpdateMachine(ctx context.Context, providerID, identityID, machineID string, update schema.MachineUpdate) (*schema.CoreMachine, error) {
	var out schema.CoreMachine
	path := machinePath(providerID, identityID) + "/" + url.PathEscape(machineID)
	if err := c.do(ctx, http.MethodPatch, path, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context) ([]schema.ProjectView, error) {
	var out []schema.ProjectView
	err := c.do(ctx, http.MethodGet, "/api/v1/project", nil, &out)
	return out, err
}
