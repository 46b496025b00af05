package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"valet/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendText(t *testing.T) {
	var got outgoing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "12345", "secret")
	require.NoError(t, c.SendText(context.Background(), "15550001", "hello"))

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "text", got.Type)
	require.NotNil(t, got.Text)
	assert.Equal(t, "hello", got.Text.Body)
	assert.Nil(t, got.Image)
}

func TestClient_SendImage(t *testing.T) {
	var got outgoing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1", "t")
	err := c.SendImage(context.Background(), "1555", notify.Message{ImageURL: "https://img/qr.png", Caption: "scan me"})
	require.NoError(t, err)
	require.NotNil(t, got.Image)
	assert.Equal(t, "https://img/qr.png", got.Image.Link)
	assert.Equal(t, "scan me", got.Image.Caption)

	err = c.SendImage(context.Background(), "1555", notify.Message{ImageData: []byte{1}})
	assert.ErrorIs(t, err, ErrNoImageURL)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "1", "t").SendText(context.Background(), "1", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad token")
}

func TestClient_FetchMedia(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/media-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/download/media-1", "mime_type": "image/jpeg"})
		case "/download/media-1":
			_, _ = io.WriteString(w, "jpeg-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1", "t")
	data, err := c.FetchMedia(context.Background(), "media-1")
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	_, err = c.FetchMedia(context.Background(), "missing")
	require.Error(t, err)
}
