package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base:  strings.TrimSuffix(apiAddr, "/"),
		token: apiToken,
		// Cycle runs wait for a full evaluation round trip.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *apiClient) do(method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *apiClient) mustGet(path string) []byte {
	data, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		log.Fatalf("GET %s: %v", path, err)
	}
	return data
}

func (c *apiClient) mustPost(path string, payload interface{}) []byte {
	data, err := c.do(http.MethodPost, path, payload)
	if err != nil {
		log.Fatalf("POST %s: %v", path, err)
	}
	return data
}

func mustUnmarshal(data []byte, v interface{}) {
	if err := json.Unmarshal(data, v); err != nil {
		log.Fatalf("decode response: %v", err)
	}
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(data)))
		return
	}
	fmt.Println(buf.String())
}

func query(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func short(id uuid.UUID) string {
	return id.String()[:8]
}

func shortPtr(id *uuid.UUID) string {
	if id == nil {
		return "-"
	}
	return short(*id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
