// Package graph is a small client for the page and direct messaging APIs.
// It resolves sender profiles and delivers staff replies.
package graph

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
)

// Channel identifiers accepted by the client.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelMessenger = "messenger"
	ChannelInstagram = "instagram"
)

var (
	// ErrUnsupportedChannel is returned for channels the client has no
	// endpoint or credential for.
	ErrUnsupportedChannel = errors.New("graph: unsupported channel")
	// ErrNoProfileName is returned when the profile exists but carries no usable name.
	ErrNoProfileName = errors.New("graph: profile has no name")
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph: http %d", e.Status)
	}
	return fmt.Sprintf("graph: http %d: %s (code %d)", e.Status, e.Message, e.Code)
}

// Attachment is an outbound media reference.
type Attachment struct {
	Type string // image, audio, video, file
	URL  string
}

// OutboundMessage is a staff reply. Exactly one of Text or Attachment is used;
// Attachment wins when both are set.
type OutboundMessage struct {
	Text       string
	Attachment *Attachment
}

// Config holds endpoint and credentials.
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	MessengerPageToken string
	InstagramPageToken string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// Client talks to the Graph API.
type Client struct {
	base   string
	tokens map[string]string
	http   *http.Client
}

func NewClient(cfg Config, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		tokens: map[string]string{
			ChannelMessenger: cfg.MessengerPageToken,
			ChannelInstagram: cfg.InstagramPageToken,
		},
		http: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) token(channel string) (string, error) {
	tok := c.tokens[channel]
	if tok == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	return tok, nil
}

type profileResponse struct {
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// DisplayName fetches the public name of a page-scoped or Instagram-scoped
// user id. WhatsApp has no profile endpoint and returns ErrUnsupportedChannel.
func (c *Client) DisplayName(ctx context.Context, channel, userID string) (string, error) {
	tok, err := c.token(channel)
	if err != nil {
		return "", err
	}

	fields := "first_name,last_name,name"
	if channel == ChannelInstagram {
		fields = "name,username"
	}
	q := url.Values{}
	q.Set("fields", fields)
	q.Set("access_token", tok)
	endpoint := c.base + "/" + url.PathEscape(userID) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build profile request: %w", err)
	}

	var p profileResponse
	if err := c.do(req, &p); err != nil {
		return "", err
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	}
	if name == "" {
		name = strings.TrimSpace(p.Username)
	}
	if name == "" {
		return "", ErrNoProfileName
	}
	return name, nil
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	MessagingType string      `json:"messaging_type"`
	Message       sendMessage `json:"message"`
}

type sendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send delivers msg to recipientID and returns the provider message id.
func (c *Client) Send(ctx context.Context, channel, recipientID string, msg OutboundMessage) (string, error) {
	tok, err := c.token(channel)
	if err != nil {
		return "", err
	}

	var body sendRequest
	body.Recipient.ID = recipientID
	body.MessagingType = "RESPONSE"
	if msg.Attachment != nil {
		a := &sendAttachment{Type: msg.Attachment.Type}
		a.Payload.URL = msg.Attachment.URL
		body.Message.Attachment = a
	} else {
		body.Message.Text = msg.Text
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}

	endpoint := c.base + "/me/messages?" + url.Values{"access_token": {tok}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out sendResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read graph response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Type = env.Error.Type
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}
