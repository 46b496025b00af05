package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [
      {"field": "messages", "value": {"messages": [
        {"id": "wamid.1", "from": "15550001", "type": "text", "text": {"body": "hi"}},
        {"id": "wamid.2", "from": "15550002", "type": "image", "image": {"id": "media-9"}},
        {"id": "wamid.3", "from": "15550003", "type": "sticker"}
      ]}},
      {"field": "statuses", "value": {}}
    ]
  }]
}`

func TestParseWebhook(t *testing.T) {
	msgs, err := ParseWebhook([]byte(samplePayload))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, Inbound{ID: "wamid.1", From: "15550001", Text: "hi"}, msgs[0])
	assert.Equal(t, Inbound{ID: "wamid.2", From: "15550002", MediaID: "media-9"}, msgs[1])
}

func TestParseWebhook_Rejects(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"object":"page"}`))
	assert.ErrorIs(t, err, ErrNotWhatsApp)

	_, err = ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	challenge, ok := Verify("subscribe", "tok", "42", "tok")
	assert.True(t, ok)
	assert.Equal(t, "42", challenge)

	_, ok = Verify("subscribe", "wrong", "42", "tok")
	assert.False(t, ok)

	_, ok = Verify("subscribe", "", "42", "")
	assert.False(t, ok)
}
