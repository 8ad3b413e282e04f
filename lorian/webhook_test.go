package lorian

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(
	t testing.TB,
	key ed25519.PrivateKey,
	body []byte,
) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, hex.EncodeToString(sig))
	req.Header.Set(headerSignatureTimestamp, timestamp)
	return req
}

func TestVerifyRequest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := []byte(`{"type":1}`)

	t.Run(
		"valid", func(t *testing.T) {
			req := signedRequest(t, priv, body)
			assert.True(t, verifyRequest(req, pub))

			restored, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, body, restored)
		},
	)

	t.Run(
		"tampered body", func(t *testing.T) {
			req := signedRequest(t, priv, body)
			req.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
			assert.False(t, verifyRequest(req, pub))
		},
	)

	t.Run(
		"wrong key", func(t *testing.T) {
			otherPub, _, err := ed25519.GenerateKey(rand.Reader)
			require.NoError(t, err)
			assert.False(t, verifyRequest(signedRequest(t, priv, body), otherPub))
		},
	)

	t.Run(
		"missing signature", func(t *testing.T) {
			req := signedRequest(t, priv, body)
			req.Header.Del(headerSignature)
			assert.False(t, verifyRequest(req, pub))
		},
	)

	t.Run(
		"invalid signature encoding", func(t *testing.T) {
			req := signedRequest(t, priv, body)
			req.Header.Set(headerSignature, "not-hex")
			assert.False(t, verifyRequest(req, pub))
		},
	)

	t.Run(
		"short signature", func(t *testing.T) {
			req := signedRequest(t, priv, body)
			req.Header.Set(headerSignature, "abcd")
			assert.False(t, verifyRequest(req, pub))
		},
	)

	t.Run(
		"missing timestamp", func(t *testing.T) {
			req := signedRequest(t, priv, body)
			req.Header.Del(headerSignatureTimestamp)
			assert.False(t, verifyRequest(req, pub))
		},
	)
}

func newTestWebhookServer(t testing.TB) (*Bot, *DiscordWebhookServer, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	b, _ := newTestBot(t)
	b.discord.publicKey = pub
	b.webhookInteractionHandler = webhookReceiveHandler(context.Background(), b)

	s, err := newWebhookServer(b, b.config.Discord.WebhookServer)
	require.NoError(t, err)
	return b, s, priv
}

func TestNewWebhookServer_MissingPublicKey(t *testing.T) {
	b, _ := newTestBot(t)
	_, err := newWebhookServer(b, b.config.Discord.WebhookServer)
	assert.Error(t, err)
}

func TestWebhookServer(t *testing.T) {
	b, s, priv := newTestWebhookServer(t)

	t.Run(
		"ping", func(t *testing.T) {
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, signedRequest(t, priv, []byte(`{"id":"1","type":1,"token":"x"}`)))
			require.Equal(t, http.StatusOK, w.Code)

			var resp discordgo.InteractionResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
		},
	)

	t.Run(
		"invalid signature", func(t *testing.T) {
			req := signedRequest(t, priv, []byte(`{"id":"1","type":1}`))
			req.Header.Set(headerSignatureTimestamp, "1")
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "invalid signature")
		},
	)

	t.Run(
		"invalid body", func(t *testing.T) {
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, signedRequest(t, priv, []byte(`{nope`)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"command", func(t *testing.T) {
			body := []byte(
				`{
					"id": "webhook-interaction",
					"application_id": "app",
					"type": 2,
					"guild_id": "` + testGuildID + `",
					"channel_id": "` + testChannelID + `",
					"member": {"user": {"id": "300000000000000001", "username": "someone"}},
					"data": {"id": "cmd", "name": "ping", "type": 1},
					"token": "token"
				}`,
			)
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, signedRequest(t, priv, body))
			require.Equal(t, http.StatusOK, w.Code)

			var resp discordgo.InteractionResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
			require.NotNil(t, resp.Data)
			assert.Equal(t, "Pong!", resp.Data.Content)

			var logged InteractionLog
			require.NoError(
				t,
				b.db.DB().Where("interaction_id = ?", "webhook-interaction").Take(&logged).Error,
			)
			assert.Equal(t, discordInteractionReceiveMethodWebhook, logged.Method)
		},
	)

	t.Run(
		"not ready", func(t *testing.T) {
			handler := b.webhookInteractionHandler
			b.webhookInteractionHandler = nil
			defer func() { b.webhookInteractionHandler = handler }()

			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, signedRequest(t, priv, []byte(`{"id":"1","type":1}`)))
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		},
	)
}
