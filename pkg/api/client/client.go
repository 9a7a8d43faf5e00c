package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Galaxerum/dif-bot/internal/allocation"
	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/service/auth"
	"github.com/Galaxerum/dif-bot/internal/service/distribution"
)

// Client provides typed access to the difbot API for operator tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return APIError{Status: resp.StatusCode, Message: extractError(data), Body: data}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Login exchanges the shared admin code for an access token.
func (c *Client) Login(ctx context.Context, userID int64, code string) (auth.Token, error) {
	body := map[string]any{
		"user_id": userID,
		"code":    code,
	}
	var resp auth.Token
	if err := c.do(ctx, http.MethodPost, "/auth/token", body, "", &resp); err != nil {
		return auth.Token{}, err
	}
	return resp, nil
}

// SetupColors replaces every team with empty teams for the given quota.
func (c *Client) SetupColors(ctx context.Context, token string, quota allocation.ColorQuota) ([]domain.Team, error) {
	var resp struct {
		Teams []domain.Team `json:"teams"`
	}
	body := map[string]any{"quota": quota}
	if err := c.do(ctx, http.MethodPost, "/colors", body, token, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// Quota returns the persisted color quota.
func (c *Client) Quota(ctx context.Context, token string) (allocation.ColorQuota, error) {
	var resp struct {
		Quota allocation.ColorQuota `json:"quota"`
	}
	if err := c.do(ctx, http.MethodGet, "/colors", nil, token, &resp); err != nil {
		return allocation.ColorQuota{}, err
	}
	return resp.Quota, nil
}

// Distribute runs the assignment over every eligible unassigned participant.
// Zero maxTeamSize selects the server default. A run halted by the store
// yields the partial result alongside the APIError.
func (c *Client) Distribute(ctx context.Context, token string, maxTeamSize int) (distribution.RunResult, error) {
	var resp distribution.RunResult
	body := map[string]int{"max_team_size": maxTeamSize}
	err := c.do(ctx, http.MethodPost, "/distribution", body, token, &resp)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
			_ = json.Unmarshal(apiErr.Body, &resp)
		}
		return resp, err
	}
	return resp, nil
}

// SimulateInput selects the starting state of a simulation.
type SimulateInput struct {
	MaxTeamSize int                    `json:"max_team_size,omitempty"`
	Quota       *allocation.ColorQuota `json:"quota,omitempty"`
	TeamCount   int                    `json:"team_count,omitempty"`
}

// Simulate runs the policy without persisting anything.
func (c *Client) Simulate(ctx context.Context, token string, input SimulateInput) (distribution.RunResult, error) {
	var resp distribution.RunResult
	if err := c.do(ctx, http.MethodPost, "/distribution/simulate", input, token, &resp); err != nil {
		return distribution.RunResult{}, err
	}
	return resp, nil
}

// Teams lists teams with their members.
func (c *Client) Teams(ctx context.Context, token string) ([]domain.TeamRoster, error) {
	var resp struct {
		Teams []domain.TeamRoster `json:"teams"`
	}
	if err := c.do(ctx, http.MethodGet, "/teams", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// ClearTeams detaches every participant and deletes every team.
func (c *Client) ClearTeams(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/teams", nil, token, nil)
}

// AnnounceTeams sends every team its roster through the notify gateway.
func (c *Client) AnnounceTeams(ctx context.Context, token string) (distribution.AnnounceResult, error) {
	var resp distribution.AnnounceResult
	if err := c.do(ctx, http.MethodPost, "/teams/announce", nil, token, &resp); err != nil {
		return distribution.AnnounceResult{}, err
	}
	return resp, nil
}

// CountEligible returns the number of eligible participants.
func (c *Client) CountEligible(ctx context.Context, token string) (int, error) {
	var resp struct {
		Eligible int `json:"eligible"`
	}
	if err := c.do(ctx, http.MethodGet, "/participants/count", nil, token, &resp); err != nil {
		return 0, err
	}
	return resp.Eligible, nil
}

// SetEligibility activates or deactivates every participant.
func (c *Client) SetEligibility(ctx context.Context, token string, eligible bool) (int64, error) {
	var resp struct {
		Changed int64 `json:"changed"`
	}
	body := map[string]bool{"eligible": eligible}
	if err := c.do(ctx, http.MethodPost, "/participants/eligibility", body, token, &resp); err != nil {
		return 0, err
	}
	return resp.Changed, nil
}

// TeamOf returns the team a participant belongs to.
func (c *Client) TeamOf(ctx context.Context, token string, participantID int64) (domain.TeamRoster, error) {
	path := "/participants/" + url.PathEscape(strconv.FormatInt(participantID, 10)) + "/team"
	var resp domain.TeamRoster
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return domain.TeamRoster{}, err
	}
	return resp, nil
}
