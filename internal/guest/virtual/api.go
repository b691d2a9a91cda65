package virtual

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Guest states reported by the provisioning API.
const (
	StateReady = "ready"
	StateError = "error"
)

// ErrGuestNotFound is returned when the API no longer knows a guest.
var ErrGuestNotFound = errors.New("guest not found")

// CreateRequest is the body of POST /guests/.
type CreateRequest struct {
	Environment   Environment       `json:"environment"`
	Keyname       string            `json:"keyname"`
	PriorityGroup string            `json:"priority_group"`
	UserData      map[string]string `json:"user_data"`
}

type Environment struct {
	HW   HW     `json:"hw"`
	OS   OS     `json:"os"`
	Pool string `json:"pool,omitempty"`
}

type HW struct {
	Arch        string `json:"arch"`
	Constraints any    `json:"constraints,omitempty"`
}

type OS struct {
	Compose string `json:"compose"`
}

// GuestInfo is the part of a guest record the backend reads.
type GuestInfo struct {
	GuestName string `json:"guestname"`
	State     string `json:"state"`
	Address   string `json:"address,omitempty"`
}

// API is a client of the provisioning service.
type API struct {
	url    string
	client *http.Client
}

// NewAPI creates a client with a default timeout.
func NewAPI(url string) *API {
	return &API{
		url:    strings.TrimSuffix(url, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends body as JSON and decodes a JSON response into out. The status
// code is returned for the caller to judge.
func (a *API) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.url+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response of %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// Create requests a new guest.
func (a *API) Create(ctx context.Context, req CreateRequest) (GuestInfo, error) {
	var info GuestInfo
	code, err := a.do(ctx, http.MethodPost, "/guests/", req, &info)
	if err != nil {
		return info, err
	}
	if code != http.StatusCreated {
		return info, fmt.Errorf("failed to create guest, unhandled API response %d", code)
	}
	if info.GuestName == "" {
		return info, fmt.Errorf("failed to create guest, no guest name in response")
	}
	return info, nil
}

// Inspect fetches the current state of a guest.
func (a *API) Inspect(ctx context.Context, name string) (GuestInfo, error) {
	var info GuestInfo
	code, err := a.do(ctx, http.MethodGet, "/guests/"+name, nil, &info)
	if code == http.StatusNotFound {
		return info, ErrGuestNotFound
	}
	return info, err
}

// Delete removes a guest. A guest that no longer exists is not an error.
func (a *API) Delete(ctx context.Context, name string) error {
	code, err := a.do(ctx, http.MethodDelete, "/guests/"+name, nil, nil)
	if code == http.StatusNotFound {
		return nil
	}
	if code == http.StatusConflict {
		return fmt.Errorf("guest %s has existing snapshots", name)
	}
	return err
}
