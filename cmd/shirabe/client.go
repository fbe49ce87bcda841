package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hyperjump/shirabe/internal/app"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/vector"
)

// errServerUnavailable means no server answered; callers fall back to opening
// the index directly.
var errServerUnavailable = errors.New("server unavailable")

type searchRequest struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
	Model string `json:"model,omitempty"`
}

// apiCall sends a JSON request and decodes the JSON reply into out. A transport
// failure is reported as errServerUnavailable; an HTTP error status carries the
// server's error message.
func apiCall(method, serverURL, path string, body any, want int, out any) error {
	if serverURL == "" {
		return errServerUnavailable
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errServerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func searchViaHTTP(serverURL string, req searchRequest) (*models.SearchResponse, error) {
	var out models.SearchResponse
	if err := apiCall(http.MethodPost, serverURL, "/api/v1/search", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func indexViaHTTP(serverURL, path string, force bool) (*models.IndexReport, error) {
	body := map[string]any{"path": path, "force": force}
	var out models.IndexReport
	if err := apiCall(http.MethodPost, serverURL, "/api/v1/index", body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func deleteViaHTTP(serverURL, path string) error {
	return apiCall(http.MethodDelete, serverURL, "/api/v1/documents?path="+url.QueryEscape(path), nil, http.StatusOK, nil)
}

func optimizeViaHTTP(serverURL string) (*vector.OptimizeReport, error) {
	var out vector.OptimizeReport
	if err := apiCall(http.MethodPost, serverURL, "/api/v1/optimize", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func statusViaHTTP(serverURL string) (*app.Status, error) {
	var out app.Status
	if err := apiCall(http.MethodGet, serverURL, "/api/v1/status", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func watchListViaHTTP(serverURL string) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := apiCall(http.MethodGet, serverURL, "/api/v1/watch/directories", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func watchAddViaHTTP(serverURL, path string) error {
	body := map[string]any{"path": path, "sync": true}
	return apiCall(http.MethodPost, serverURL, "/api/v1/watch/directories", body, http.StatusCreated, nil)
}

func watchRemoveViaHTTP(serverURL, path string) error {
	return apiCall(http.MethodDelete, serverURL, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, http.StatusOK, nil)
}
