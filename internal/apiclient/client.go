// Package apiclient talks to a slotsync API server over HTTP, server-sent
// events and websockets. A Client is a syncengine.Backend bound to the user
// its token belongs to.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	maxErrorBodyBytes       = 4096
)

var (
	errMissingBaseURL = errors.New("apiclient: base url required")
	errMissingToken   = errors.New("apiclient: token required")
)

// Config describes how to reach the API server.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Client is an authenticated API client.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	stream  *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger
	userID  string
}

// APIError is a non-2xx response. It unwraps to the datastore sentinel
// matching the status so callers can use errors.Is across the wire.
type APIError struct {
	StatusCode int    `json:"-"`
	Reason     string `json:"error"`
	Code       string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d: %s (%s)", e.StatusCode, e.Reason, e.Code)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Reason)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusForbidden:
		return slots.ErrForbidden
	case http.StatusNotFound:
		return slots.ErrNotFound
	case http.StatusBadRequest:
		return slots.ErrValidation
	case http.StatusConflict:
		if e.Reason == "group_full" {
			return slots.ErrGroupFull
		}
		return slots.ErrDuplicateStoreName
	}
	return nil
}

// Connect validates cfg and resolves the canonical user id behind the token.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	// Streams stay open indefinitely, so they get a client without a timeout.
	streamClient := &http.Client{Transport: httpClient.Transport}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
		stream:  streamClient,
		dialer:  dialer,
		logger:  logger,
	}
	profile, err := client.Profile(ctx)
	if err != nil {
		return nil, err
	}
	client.userID = profile.UserID
	return client, nil
}

func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = query.Encode()
	return target.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, nil), reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

// do sends one JSON request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	request, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeAPIError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	apiErr := &APIError{StatusCode: response.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if len(body) == 0 || json.Unmarshal(body, apiErr) != nil || apiErr.Reason == "" {
		apiErr.Reason = strings.TrimSpace(string(body))
		if apiErr.Reason == "" {
			apiErr.Reason = http.StatusText(response.StatusCode)
		}
	}
	return apiErr
}

func (c *Client) Profile(ctx context.Context) (users.Profile, error) {
	var profile users.Profile
	err := c.do(ctx, http.MethodGet, "/me", nil, &profile)
	return profile, err
}

// UpdateDisplayName renames the caller.
func (c *Client) UpdateDisplayName(ctx context.Context, displayName string) (users.Profile, error) {
	var profile users.Profile
	err := c.do(ctx, http.MethodPatch, "/me", map[string]string{"display_name": displayName}, &profile)
	return profile, err
}

// ListGroups returns the groups the caller leads or belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]slots.Group, error) {
	var response struct {
		Groups []slots.Group `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, "/groups", nil, &response)
	return response.Groups, err
}

// CreateGroup creates a group led by the caller.
func (c *Client) CreateGroup(ctx context.Context, name string) (slots.Group, error) {
	var group slots.Group
	err := c.do(ctx, http.MethodPost, "/groups", map[string]string{"name": name}, &group)
	return group, err
}

func (c *Client) ListMembers(ctx context.Context, groupID string) ([]slots.Membership, error) {
	var response struct {
		Members []slots.Membership `json:"members"`
	}
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/members", nil, &response)
	return response.Members, err
}

func (c *Client) ApproveMember(ctx context.Context, groupID, memberID string) (slots.Membership, error) {
	var member slots.Membership
	path := "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(memberID) + "/approve"
	err := c.do(ctx, http.MethodPost, path, nil, &member)
	return member, err
}

func (c *Client) JoinGroup(ctx context.Context, inviteCode string) (slots.JoinResult, error) {
	var result slots.JoinResult
	err := c.do(ctx, http.MethodPost, "/groups/join", map[string]string{"invite_code": inviteCode}, &result)
	return result, err
}

func (c *Client) ListStores(ctx context.Context, groupID string) ([]slots.Store, error) {
	var response struct {
		Stores []slots.Store `json:"stores"`
	}
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/stores", nil, &response)
	return response.Stores, err
}

func (c *Client) CreateStore(ctx context.Context, groupID, name string) (slots.Store, error) {
	var store slots.Store
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/stores", map[string]string{"name": name}, &store)
	return store, err
}

func (c *Client) DeleteStore(ctx context.Context, storeID string) error {
	return c.do(ctx, http.MethodDelete, "/stores/"+url.PathEscape(storeID), nil, nil)
}

func (c *Client) ListMachines(ctx context.Context, storeID string) ([]slots.Machine, error) {
	var response struct {
		Machines []slots.Machine `json:"machines"`
	}
	err := c.do(ctx, http.MethodGet, "/stores/"+url.PathEscape(storeID)+"/machines", nil, &response)
	return response.Machines, err
}

func (c *Client) AddMachine(ctx context.Context, storeID, number string) (slots.Machine, error) {
	var machine slots.Machine
	err := c.do(ctx, http.MethodPost, "/stores/"+url.PathEscape(storeID)+"/machines", map[string]string{"number": number}, &machine)
	return machine, err
}

func (c *Client) UpdateMachine(ctx context.Context, machineID string, patch slots.MachinePatch) (slots.Machine, error) {
	var machine slots.Machine
	err := c.do(ctx, http.MethodPatch, "/machines/"+url.PathEscape(machineID), patch, &machine)
	return machine, err
}

func (c *Client) DeleteMachine(ctx context.Context, machineID string) error {
	return c.do(ctx, http.MethodDelete, "/machines/"+url.PathEscape(machineID), nil, nil)
}

func (c *Client) ResetStore(ctx context.Context, storeID string) (int64, error) {
	var response struct {
		Reset int64 `json:"reset"`
	}
	err := c.do(ctx, http.MethodPost, "/stores/"+url.PathEscape(storeID)+"/reset", nil, &response)
	return response.Reset, err
}

func (c *Client) ReorderMachines(ctx context.Context, storeID string, machineIDs []string) ([]slots.Machine, error) {
	var response struct {
		Machines []slots.Machine `json:"machines"`
	}
	body := map[string][]string{"machine_ids": machineIDs}
	err := c.do(ctx, http.MethodPut, "/stores/"+url.PathEscape(storeID)+"/order", body, &response)
	return response.Machines, err
}
