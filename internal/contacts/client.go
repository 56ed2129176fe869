// Package contacts pulls a flat phone list from the contact-backup service,
// used only to prefill resolver input. Nothing here is engine state.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type listResponse struct {
	Phones []string `json:"phones"`
}

func (c *Client) FetchPhones(ctx context.Context, accountID, deviceID string) ([]string, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") +
		"/v1/accounts/" + accountID + "/devices/" + deviceID + "/contacts"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contact source returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out listResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("contact source returned invalid payload: %w", err)
	}
	return out.Phones, nil
}
