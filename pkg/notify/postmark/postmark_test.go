package postmark_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practpec/voyaj-api/pkg/notify"
	"github.com/practpec/voyaj-api/pkg/notify/postmark"
)

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config postmark.Config
		want   string
	}{
		{"missing server token", postmark.Config{SenderEmail: "no-reply@voyaj.app"}, "ServerToken is required"},
		{"missing sender", postmark.Config{ServerToken: "token"}, "SenderEmail is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sender, err := postmark.New(tt.config)
			assert.Nil(t, sender)
			assert.ErrorIs(t, err, postmark.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	var got map[string]interface{}
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Postmark-Server-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"To":"ana@example.com","SubmittedAt":"2026-03-10T12:00:00Z","MessageID":"m-1","ErrorCode":0,"Message":"OK"}`))
	}))
	defer srv.Close()

	sender, err := postmark.New(postmark.Config{
		ServerToken: "server-token",
		SenderEmail: "no-reply@voyaj.app",
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)

	err = sender.Send(context.Background(), notify.Message{
		To:       "ana@example.com",
		Subject:  "Hola",
		HTMLBody: "<p>Hola</p>",
		Tag:      "welcome_free",
	})
	require.NoError(t, err)

	assert.Equal(t, "server-token", token)
	assert.Equal(t, "no-reply@voyaj.app", got["From"])
	assert.Equal(t, "no-reply@voyaj.app", got["ReplyTo"])
	assert.Equal(t, "ana@example.com", got["To"])
	assert.Equal(t, "welcome_free", got["Tag"])
	assert.Equal(t, "HtmlOnly", got["TrackLinks"])
}

func TestSender_ProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ErrorCode":300,"Message":"Invalid email request"}`))
	}))
	defer srv.Close()

	sender, err := postmark.New(postmark.Config{
		ServerToken: "server-token",
		SenderEmail: "no-reply@voyaj.app",
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)

	err = sender.Send(context.Background(), notify.Message{To: "bad", Subject: "x", HTMLBody: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "300")
}
