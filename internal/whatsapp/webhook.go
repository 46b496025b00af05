package whatsapp

import (
	"encoding/json"
	"fmt"
)

// Inbound is one user message extracted from a webhook delivery.
type Inbound struct {
	ID      string
	From    string
	Text    string
	MediaID string
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Image struct {
						ID string `json:"id"`
					} `json:"image"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ErrNotWhatsApp is returned for payloads from other webhook objects.
var ErrNotWhatsApp = fmt.Errorf("not a whatsapp_business_account payload")

// ParseWebhook extracts text and image messages. Status callbacks and other
// message types are skipped.
func ParseWebhook(body []byte) ([]Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if p.Object != "whatsapp_business_account" {
		return nil, ErrNotWhatsApp
	}

	var out []Inbound
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, m := range change.Value.Messages {
				in := Inbound{ID: m.ID, From: m.From}
				switch m.Type {
				case "text":
					in.Text = m.Text.Body
				case "image":
					if m.Image.ID == "" {
						continue
					}
					in.MediaID = m.Image.ID
				default:
					continue
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// Verify answers the subscription handshake. It returns the challenge to
// echo and whether the token matched.
func Verify(mode, token, challenge, expected string) (string, bool) {
	if mode == "subscribe" && expected != "" && token == expected {
		return challenge, true
	}
	return "", false
}
