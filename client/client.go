// Package client is the HTTP SDK for the bridge.
//
// Producers submit commands and await results; a host written in Go can
// use the same client to poll for work and post results back. Transport
// errors come back as *APIError; bridge errors that have typed forms
// (await timeout, unknown command, ambiguous reference, entity not found,
// duplicate result) are reconstructed so callers can errors.As on them
// exactly as they would in process.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/atelier-systems/modelbridge/bridgecore/httpapi"
	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/bridgecore/resolver"
	"github.com/atelier-systems/modelbridge/commbridge"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger interface for client-side logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures the client.
type Config struct {
	// BaseURL is the bridge address, e.g. "http://127.0.0.1:8787".
	BaseURL string
	// Timeout bounds one non-blocking HTTP exchange. Awaits get their own
	// deadline derived from the await timeout.
	Timeout time.Duration
	// Logger receives request events. May be nil.
	Logger Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://127.0.0.1:8787",
		Timeout: 10 * time.Second,
	}
}

// Client talks to a bridge over HTTP.
type Client struct {
	baseURL string
	timeout time.Duration
	hc      *http.Client
	logger  Logger
}

// New creates a client from config. A nil config uses defaults.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultConfig().BaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	// The http.Client carries no global timeout; per-call deadlines come
	// from contexts so a long await is not cut off mid-block.
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		hc:      &http.Client{},
		logger:  config.Logger,
	}
}

// APIError is a bridge HTTP error that has no richer typed form.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge api error (%d %s): %s", e.Status, e.Code, e.Message)
}

// Halted reports whether the bridge refused the call because a protocol
// violation shut it down.
func (e *APIError) Halted() bool {
	return e.Status == http.StatusServiceUnavailable && e.Code == "bridge_halted"
}

// =============================================================================
// PRODUCER SIDE
// =============================================================================

// Submit enqueues a command and returns its id without waiting for the
// result.
func (c *Client) Submit(ctx context.Context, commandType string, parameters map[string]any) (string, error) {
	var resp httpapi.SubmitCommandResponse
	err := c.postJSON(ctx, "/commands", httpapi.SubmitCommandRequest{
		CommandType: commandType,
		Parameters:  parameters,
	}, &resp)
	if err != nil {
		return "", err
	}

	if c.logger != nil {
		c.logger.Debug("command_submitted", "command_id", resp.CommandID, "command_type", commandType)
	}
	return resp.CommandID, nil
}

// Await blocks until the command's result is available or timeout
// elapses. The wait happens server side; timeout zero asks for the
// server's default. Timing out is non-terminal: the same id can be
// awaited again and the eventual result is still delivered.
func (c *Client) Await(ctx context.Context, commandID string, timeout time.Duration) (*commbridge.Result, error) {
	path := "/results/" + commandID
	if timeout > 0 {
		path += "?timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	}

	// Give the HTTP exchange headroom beyond the server-side wait.
	deadline := c.timeout
	if timeout > 0 {
		deadline = timeout + c.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var res commbridge.Result
	if err := c.getJSON(reqCtx, path, &res); err != nil {
		if apiErr, ok := err.(*APIError); ok {
			switch {
			case apiErr.Status == http.StatusRequestTimeout && apiErr.Code == "timed_out":
				return nil, commbridge.NewAwaitTimeoutError(commandID, timeout)
			case apiErr.Status == http.StatusNotFound && apiErr.Code == "unknown_command":
				return nil, commbridge.NewUnknownCommandError(commandID)
			}
		}
		return nil, err
	}
	return &res, nil
}

// SubmitAndAwait submits a command and blocks for its result.
func (c *Client) SubmitAndAwait(ctx context.Context, commandType string, parameters map[string]any, timeout time.Duration) (*commbridge.Result, error) {
	id, err := c.Submit(ctx, commandType, parameters)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id, timeout)
}

// GetResult retrieves a result without blocking. The boolean reports
// whether the result was available.
func (c *Client) GetResult(ctx context.Context, commandID string) (*commbridge.Result, bool, error) {
	res, err := c.Await(ctx, commandID, time.Millisecond)
	if err != nil {
		var timedOut *commbridge.AwaitTimeoutError
		if errors.As(err, &timedOut) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return res, true, nil
}

// CommandStatus reports the ledger state of a command.
func (c *Client) CommandStatus(ctx context.Context, commandID string) (commbridge.CommandState, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp httpapi.CommandStatusResponse
	if err := c.getJSON(reqCtx, "/commands/"+commandID, &resp); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return "", commbridge.NewUnknownCommandError(commandID)
		}
		return "", err
	}
	return commbridge.CommandState(resp.Status), nil
}

// ResolveReference maps a vague reference to a concrete entity.
func (c *Client) ResolveReference(ctx context.Context, hint string, entityType string) (*registry.Entity, error) {
	var entity registry.Entity
	err := c.postJSON(ctx, "/resolve_reference", httpapi.ResolveReferenceRequest{
		Hint:       hint,
		EntityType: entityType,
	}, &entity)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			switch {
			case apiErr.Status == http.StatusConflict && apiErr.Code == "ambiguous":
				return nil, &resolver.AmbiguousError{
					Hint:       hint,
					Candidates: parseCandidates(apiErr.Details),
				}
			case apiErr.Status == http.StatusNotFound:
				return nil, &registry.NotFoundError{EntityType: entityType}
			}
		}
		return nil, err
	}
	return &entity, nil
}

// Lookup returns an entity by exact id.
func (c *Client) Lookup(ctx context.Context, entityID string) (*registry.Entity, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var entity registry.Entity
	if err := c.getJSON(reqCtx, "/entities/"+entityID, &entity); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return nil, &registry.NotFoundError{EntityID: entityID}
		}
		return nil, err
	}
	return &entity, nil
}

// ListEntities returns all known entities ordered by activity.
func (c *Client) ListEntities(ctx context.Context) ([]*registry.Entity, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp httpapi.ListEntitiesResponse
	if err := c.getJSON(reqCtx, "/entities", &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// ResetSession drops pending commands, unclaimed results, and all
// entities.
func (c *Client) ResetSession(ctx context.Context) error {
	return c.postJSON(ctx, "/reset_session", nil, nil)
}

// =============================================================================
// HOST SIDE
// =============================================================================

// PollCommands fetches the next batch of pending commands. An empty batch
// means the queue is drained.
func (c *Client) PollCommands(ctx context.Context, max int) ([]*commbridge.Command, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := "/pending_commands"
	if max > 0 {
		path += "?max=" + strconv.Itoa(max)
	}

	var resp httpapi.PendingCommandsResponse
	if err := c.getJSON(reqCtx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// PostResult publishes the host's result for a drained command.
func (c *Client) PostResult(ctx context.Context, res *commbridge.Result) error {
	err := c.postJSON(ctx, "/command_result", res, nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			switch {
			case apiErr.Status == http.StatusConflict && apiErr.Code == "duplicate_result":
				return commbridge.NewDuplicateResultError(res.CommandID)
			case apiErr.Status == http.StatusGone && apiErr.Code == "unknown_command":
				return commbridge.NewUnknownCommandError(res.CommandID)
			}
		}
		return err
	}
	return nil
}

// =============================================================================
// OPERATIONAL
// =============================================================================

// Health reports bridge and host liveness.
func (c *Client) Health(ctx context.Context) (*httpapi.HealthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var health httpapi.HealthResponse
	if err := c.getJSON(reqCtx, "/healthz", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Stats returns counters from every bridge subsystem.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stats map[string]any
	if err := c.getJSON(reqCtx, "/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// BaseURL returns the configured bridge address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// WIRE HELPERS
// =============================================================================

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request for %s: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, payload)
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

func decodeAPIError(status int, payload []byte) error {
	apiErr := &APIError{Status: status}

	var resp httpapi.ErrorResponse
	if err := json.Unmarshal(payload, &resp); err == nil && resp.Error != "" {
		apiErr.Code = resp.Code
		apiErr.Message = resp.Error
		apiErr.Details = resp.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(payload))
	}
	return apiErr
}

// parseCandidates recovers the candidate type list from the details the
// ambiguous response carries.
func parseCandidates(details string) []string {
	rest, found := strings.CutPrefix(details, "candidates: ")
	if !found || rest == "" {
		return nil
	}
	return strings.Split(rest, ", ")
}
