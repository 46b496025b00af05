// Package whatsapp talks to the WhatsApp Cloud API.
package whatsapp

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

	"valet/internal/notify"
)

const defaultAPIURL = "https://graph.facebook.com/v18.0"

// maxMediaBytes caps downloaded photos.
const maxMediaBytes = 16 << 20

// ErrNoImageURL is returned when an image message has no public link.
var ErrNoImageURL = errors.New("whatsapp image requires a public url")

// APIError is a non-2xx answer from the Graph API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api: http %d: %s", e.StatusCode, e.Body)
}

// Client sends messages and downloads media for one business phone number.
type Client struct {
	apiURL        string
	phoneNumberID string
	accessToken   string
	httpClient    *http.Client
}

// NewClient constructs a client. An empty apiURL selects the public Graph API.
func NewClient(apiURL, phoneNumberID, accessToken string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		apiURL:        strings.TrimRight(apiURL, "/"),
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

type textBody struct {
	Body string `json:"body"`
}

type imageBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type outgoing struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *textBody  `json:"text,omitempty"`
	Image            *imageBody `json:"image,omitempty"`
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.post(ctx, outgoing{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: body},
	})
}

// SendImage sends an image by link. Raw bytes are not uploaded here.
func (c *Client) SendImage(ctx context.Context, to string, msg notify.Message) error {
	if msg.ImageURL == "" {
		return ErrNoImageURL
	}
	return c.post(ctx, outgoing{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "image",
		Image:            &imageBody{Link: msg.ImageURL, Caption: msg.Caption},
	})
}

// FetchMedia resolves a media id to its download URL and returns the bytes.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) ([]byte, error) {
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	endpoint := fmt.Sprintf("%s/%s", c.apiURL, url.PathEscape(mediaID))
	if err := c.getJSON(ctx, endpoint, &meta); err != nil {
		return nil, fmt.Errorf("resolve media %s: %w", mediaID, err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("resolve media %s: empty url", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, readAPIError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, body outgoing) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s/messages", c.apiURL, url.PathEscape(c.phoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addHeaders(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
