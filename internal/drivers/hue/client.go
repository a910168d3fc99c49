package hue

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 5 * time.Second

// client is a narrow, context-bounded HTTP client for one bridge. A Hue
// bridge self-signs its HTTPS certificate, so TLS verification is
// disabled for this local-network-only client.
type client struct {
	bridgeAddress string
	httpClient    *http.Client
}

func newClient(bridgeAddress string) *client {
	return &client{
		bridgeAddress: bridgeAddress,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // local bridge, self-signed cert
			},
		},
	}
}

func (c *client) url(path string) string {
	return fmt.Sprintf("https://%s%s", c.bridgeAddress, path)
}

type bridgeConfig struct {
	BridgeID string `json:"bridgeid"`
	Name     string `json:"name"`
	ModelID  string `json:"modelid"`
}

func (c *client) getConfig(ctx context.Context, apiKey string) (bridgeConfig, error) {
	path := "/api/config"
	if apiKey != "" {
		path = "/api/" + apiKey + "/config"
	}
	var cfg bridgeConfig
	if err := c.get(ctx, path, &cfg); err != nil {
		return bridgeConfig{}, err
	}
	return cfg, nil
}

type hueLight struct {
	State struct {
		On  bool      `json:"on"`
		Bri int       `json:"bri"`
		XY  []float64 `json:"xy"`
	} `json:"state"`
	Name string `json:"name"`
}

func (c *client) getLights(ctx context.Context, apiKey string) (map[string]hueLight, error) {
	var lights map[string]hueLight
	if err := c.get(ctx, "/api/"+apiKey+"/lights", &lights); err != nil {
		return nil, err
	}
	return lights, nil
}

type hueGroup struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	State struct {
		AllOn bool `json:"all_on"`
	} `json:"state"`
}

func (c *client) getGroups(ctx context.Context, apiKey string) (map[string]hueGroup, error) {
	var groups map[string]hueGroup
	if err := c.get(ctx, "/api/"+apiKey+"/groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// registerResult is one element of the array POST /api returns.
type registerResult struct {
	Success *struct {
		Username string `json:"username"`
	} `json:"success"`
	Error *struct {
		Type        int    `json:"type"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *client) register(ctx context.Context, deviceType string) (username string, linkButtonPressed bool, err error) {
	body, err := json.Marshal(map[string]string{"devicetype": deviceType})
	if err != nil {
		return "", false, fmt.Errorf("hue: marshaling register request: %w", err)
	}

	var results []registerResult
	if err := c.post(ctx, "/api", body, &results); err != nil {
		return "", false, err
	}
	if len(results) == 0 {
		return "", false, fmt.Errorf("hue: empty register response")
	}
	r := results[0]
	if r.Error != nil {
		if r.Error.Type == 101 {
			return "", false, nil // "link button not pressed"
		}
		return "", false, fmt.Errorf("hue: register failed: %s", r.Error.Description)
	}
	if r.Success == nil {
		return "", false, fmt.Errorf("hue: register response missing success/error")
	}
	return r.Success.Username, true, nil
}

func (c *client) setLightState(ctx context.Context, apiKey, lightID string, state map[string]any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("hue: marshaling light state: %w", err)
	}
	var discard any
	return c.put(ctx, "/api/"+apiKey+"/lights/"+lightID+"/state", body, &discard)
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) put(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hue: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hue: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hue: bridge returned status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("hue: decoding response: %w", err)
	}
	return nil
}
