package lorian

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

const (
	headerSignature          = "X-Signature-Ed25519"
	headerSignatureTimestamp = "X-Signature-Timestamp"
)

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway.
// See: https://discord.com/developers/docs/interactions/overview#configuring-an-interactions-endpoint-url
type DiscordWebhookServer struct {
	config     WebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

// Serve listens on the configured address and serves until the server
// is shut down
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		ln, err := (&net.ListenConfig{}).Listen(ctx, defaultListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting server without TLS", "addr", d.listener.Addr().String())
		return d.httpServer.Serve(d.listener)
	}
	d.logger.InfoContext(ctx, "webhook server listening", "addr", d.listener.Addr().String())
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates the webhook server. Requests to
// /discord/interactions are verified against the application's public
// key, and handled by the bot's webhookInteractionHandler.
func newWebhookServer(b *Bot, config WebhookServerConfig) (*DiscordWebhookServer, error) {
	if len(b.discord.publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid or missing discord public key")
	}
	r := gin.New()
	s := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newComponentLogger("discord_webhook", config.LogLevel),
	}

	tlsCfg, err := tlsConfig(config.SSL)
	if err != nil {
		return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(s.logger),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)
	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if b.webhookInteractionHandler == nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
				return
			}
			b.webhookInteractionHandler(c)
		},
	)
	return s, nil
}

// WebhookHandler implements [InteractionHandler] for interactions received
// via webhook. The initial response is written as the HTTP response, and
// everything after goes through the session like [GatewayHandler].
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	// follow-up edits fail unless discord has received the initial response
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler returns a gin handler which decodes the
// interaction and passes it to handleInteraction
func webhookReceiveHandler(ctx context.Context, b *Bot) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if err = json.Unmarshal(body, &interaction); err != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		if interaction.Interaction == nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "missing interaction"})
			return
		}
		if interaction.Type == discordgo.InteractionPing {
			logger.InfoContext(runCtx, "received ping")
			c.JSON(
				http.StatusOK,
				discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			)
			return
		}

		handler := WebhookHandler{
			ginContext: c,
			InteractionHandler: GatewayHandler{
				session:     b.discord.session,
				interaction: &interaction,
				mu:          &sync.RWMutex{},
				logger: logger.With(
					slog.Group("interaction", interactionLogAttrs(interaction)...),
				),
			},
		}
		b.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a valid
// signature from discord.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the ed25519 signature of timestamp+body. The body
// is restored so it can be read again by the handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get(headerSignature)
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}
	timestamp := r.Header.Get(headerSignatureTimestamp)
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()
	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}
	return ed25519.Verify(key, msg.Bytes(), sig)
}
