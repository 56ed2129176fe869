// Package whatsapp sends through the WhatsApp device-session gateway that
// owns the actual phone sessions. The engine only sees its HTTP boundary.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"bcast/internal/senders"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type sendRequest struct {
	To       string `json:"to"`
	Kind     string `json:"kind"` // "number" | "group"
	Body     string `json:"body"`
	MediaRef string `json:"mediaRef,omitempty"`
}

type sendResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (c *Client) Send(ctx context.Context, in senders.SendInput) error {
	payload := sendRequest{
		To:       in.Target.Address,
		Kind:     string(in.Target.Kind),
		Body:     in.Body,
		MediaRef: in.MediaRef,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/devices/" + in.SenderID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var out sendResponse
		_ = json.Unmarshal(raw, &out)
		msg := out.Message
		if msg == "" {
			msg = "whatsapp gateway send failed"
		}
		return &senders.GatewayError{Status: resp.StatusCode, Message: msg}
	}
	return nil
}
