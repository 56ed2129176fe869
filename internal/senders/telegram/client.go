// Package telegram sends through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"bcast/internal/senders"
)

const defaultBaseURL = "https://api.telegram.org"

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendPhotoRequest struct {
	ChatID  string `json:"chat_id"`
	Photo   string `json:"photo"`
	Caption string `json:"caption,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func (c *Client) Send(ctx context.Context, in senders.SendInput) error {
	var (
		method  string
		payload any
	)
	if in.MediaRef != "" {
		method = "sendPhoto"
		payload = sendPhotoRequest{ChatID: in.Target.Address, Photo: in.MediaRef, Caption: in.Body}
	} else {
		method = "sendMessage"
		payload = sendMessageRequest{ChatID: in.Target.Address, Text: in.Body}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	endpoint := baseURL + "/bot" + c.Token + "/" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var out apiResponse
		_ = json.Unmarshal(raw, &out)
		msg := out.Description
		if msg == "" {
			msg = "telegram send failed"
		}
		return &senders.GatewayError{Status: resp.StatusCode, Message: msg}
	}
	return nil
}
