// Package orchestrator talks to a remote cluster-management API in the
// style of Portainer (spec §4.4): it authenticates, discovers the swarm
// endpoint, finds-or-creates the named stack, and pushes the stack
// descriptor. Retries go through hashicorp/go-retryablehttp so transient
// timeouts never reach the reconciler as a RecipeFailed-grade error.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/errs"
)

// Client is a single configured Portainer-style instance.
type Client struct {
	baseURL    string
	username   string
	password   string
	endpointID int
	stackName  string

	http *retryablehttp.Client

	mu    sync.Mutex
	token string
}

func New(cfg config.Orchestrator) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    cfg.URL,
		username:   cfg.Username,
		password:   cfg.Password,
		endpointID: cfg.EndpointID,
		stackName:  cfg.StackName,
		http:       rc,
	}
}

// authRequest/authResponse mirror Portainer's POST /api/auth contract.
type authRequest struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

type authResponse struct {
	JWT string `json:"jwt"`
}

// Authenticate obtains a bearer token and caches it for the client's
// lifetime (spec §4.4 "Authenticate"). Callers never need to call this
// directly; do() refreshes transparently on 401.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(authRequest{Username: c.username, Password: c.password})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "authenticate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.Wrap(errs.OrchestratorRejected, "authenticate: status %d", resp.StatusCode)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errs.Wrap(errs.TransientIO, "authenticate: decode: %w", err)
	}

	c.mu.Lock()
	c.token = out.JWT
	c.mu.Unlock()
	return nil
}

func (c *Client) cachedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do performs an authenticated request, re-authenticating once and
// retrying on a 401 (spec §4.4 "transparently refreshed on a 401").
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c.cachedToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.rawDo(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		resp, err = c.rawDo(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) rawDo(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cachedToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "%s %s: %w", method, path, err)
	}
	return resp, nil
}

type endpoint struct {
	ID int `json:"Id"`
}

// ResolveEndpoint discovers the swarm endpoint id when the configured one
// is negative (spec §4.4 "Resolve endpoint").
func (c *Client) ResolveEndpoint(ctx context.Context) (int, error) {
	if c.endpointID >= 0 {
		return c.endpointID, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/endpoints", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errs.Wrap(errs.OrchestratorRejected, "list endpoints: status %d", resp.StatusCode)
	}

	var endpoints []endpoint
	if err := json.NewDecoder(resp.Body).Decode(&endpoints); err != nil {
		return 0, errs.Wrap(errs.TransientIO, "list endpoints: decode: %w", err)
	}
	if len(endpoints) != 1 {
		return 0, errs.Wrap(errs.OrchestratorRejected, "expected exactly one endpoint, found %d", len(endpoints))
	}

	c.endpointID = endpoints[0].ID
	return c.endpointID, nil
}

type swarmInfo struct {
	ID string `json:"ID"`
}

func (c *Client) swarmID(ctx context.Context, endpointID int) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/endpoints/%d/docker/swarm", endpointID), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errs.Wrap(errs.OrchestratorRejected, "get swarm info: status %d", resp.StatusCode)
	}
	var info swarmInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", errs.Wrap(errs.TransientIO, "get swarm info: decode: %w", err)
	}
	return info.ID, nil
}

type stackSummary struct {
	ID     int    `json:"Id"`
	Name   string `json:"Name"`
	Status int    `json:"Status"`
}

const stackStatusActive = 1

// FindStack looks up a stack by name, case-sensitively (spec §4.4 "Find
// stack"). A nil result with a nil error means no stack exists yet.
func (c *Client) FindStack(ctx context.Context) (*stackSummary, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/stacks", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Wrap(errs.OrchestratorRejected, "list stacks: status %d", resp.StatusCode)
	}

	var stacks []stackSummary
	if err := json.NewDecoder(resp.Body).Decode(&stacks); err != nil {
		return nil, errs.Wrap(errs.TransientIO, "list stacks: decode: %w", err)
	}
	for _, s := range stacks {
		if s.Name == c.stackName {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

type createStackRequest struct {
	Name             string `json:"Name"`
	SwarmID          string `json:"SwarmID"`
	StackFileContent string `json:"StackFileContent"`
}

type updateStackRequest struct {
	StackFileContent string            `json:"StackFileContent"`
	Env              []json.RawMessage `json:"Env"`
	Prune            bool              `json:"Prune"`
}

// DeployOutcome reports whether a deploy mutated the remote stack, so the
// reconciler knows whether to invoke the Notifier.
type DeployOutcome struct {
	StackID int
	NoOp    bool
}

// Deploy creates or updates the named stack with the serialized descriptor
// (spec §4.4 "Deploy"), short-circuiting to a no-op when the digest
// matches the last deployed one and the remote stack is active (spec §4.4
// "Idempotence").
func (c *Client) Deploy(ctx context.Context, stackContent []byte, lastDeployedDigest, currentDigest string) (*DeployOutcome, error) {
	endpointID, err := c.ResolveEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := c.FindStack(ctx)
	if err != nil {
		return nil, err
	}

	if existing != nil && currentDigest == lastDeployedDigest && existing.Status == stackStatusActive {
		return &DeployOutcome{StackID: existing.ID, NoOp: true}, nil
	}

	if existing == nil {
		swarmID, err := c.swarmID(ctx, endpointID)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(createStackRequest{Name: c.stackName, SwarmID: swarmID, StackFileContent: string(stackContent)})
		if err != nil {
			return nil, err
		}
		path := fmt.Sprintf("/api/stacks?type=1&method=string&endpointId=%d", endpointID)
		resp, err := c.do(ctx, http.MethodPost, path, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, errs.Wrap(errs.OrchestratorRejected, "create stack: status %d", resp.StatusCode)
		}
		var created stackSummary
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "create stack: decode: %w", err)
		}
		return &DeployOutcome{StackID: created.ID}, nil
	}

	body, err := json.Marshal(updateStackRequest{StackFileContent: string(stackContent), Prune: true})
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/api/stacks/%d?endpointId=%d", existing.ID, endpointID)
	resp, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Wrap(errs.OrchestratorRejected, "update stack: status %d", resp.StatusCode)
	}
	return &DeployOutcome{StackID: existing.ID}, nil
}

// Verify polls the stack until Status indicates it is active, or deadline
// elapses (spec §4.4 "Verify").
func (c *Client) Verify(ctx context.Context, stackID int, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/stacks/%d", stackID), nil)
		if err == nil {
			var s stackSummary
			if decodeErr := json.NewDecoder(resp.Body).Decode(&s); decodeErr == nil && s.Status == stackStatusActive {
				resp.Body.Close()
				return nil
			}
			resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.TransientIO, "verify stack %d: deadline exceeded", stackID)
		case <-ticker.C:
		}
	}
}
