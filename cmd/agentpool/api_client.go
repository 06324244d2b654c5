package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/agentpool/internal/controlplane"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiGet performs a GET request and decodes the JSON response into out.
func apiGet(path string, out any) error {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	return readResponse(resp, out)
}

// apiPost sends data as JSON and decodes the response into out. Either may
// be nil.
func apiPost(path string, data, out any) error {
	var body io.Reader = http.NoBody
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	resp, err := apiClient.Post(apiAddr+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	return readResponse(resp, out)
}

func readResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// CheckHealth checks if the daemon is healthy. Unlike other API calls, it
// returns the parsed payload alongside the error on non-200 responses.
func CheckHealth() (*controlplane.HealthResponse, error) {
	resp, err := apiClient.Get(apiAddr + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health controlplane.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d)", resp.StatusCode)
	}
	return &health, nil
}
