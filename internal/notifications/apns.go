package notifications

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID
	Production bool   // Use production environment
}

// APNsClient sends push notifications via Apple Push Notification service.
// A nil client is valid and sends nothing.
type APNsClient struct {
	client   *apns2.Client
	bundleID string
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewAPNsClient creates a new APNs client. It returns nil, nil when the
// configuration is incomplete.
func NewAPNsClient(cfg APNsConfig, logger zerolog.Logger) (*APNsClient, error) {
	logger = logger.With().Str("module", "apns").Logger()
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Info().Msg("missing configuration, push notifications disabled")
		return nil, nil
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("APNs key is not an ECDSA private key")
	}

	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(authToken).Development()
	if cfg.Production {
		client = client.Production()
	}

	logger.Info().Bool("production", cfg.Production).Str("bundle", cfg.BundleID).Msg("client initialized")

	return &APNsClient{
		client:   client,
		bundleID: cfg.BundleID,
		logger:   logger,
	}, nil
}

// ChatNotification is a new clinic chat message.
type ChatNotification struct {
	MessageID     string
	ClinicaID     string
	RemetenteTipo string
	Conteudo      string
}

const previewRunes = 120

// chatPayload builds the alert shown on the device.
func chatPayload(n ChatNotification) *payload.Payload {
	title := "Nova mensagem"
	if n.RemetenteTipo != "" {
		title = fmt.Sprintf("Nova mensagem de %s", n.RemetenteTipo)
	}
	return payload.NewPayload().
		AlertTitle(title).
		AlertBody(preview(n.Conteudo)).
		Sound("default").
		ThreadID("chat-"+n.ClinicaID).
		Custom("notification_type", "chat_message").
		Custom("mensagem_id", n.MessageID).
		Custom("clinica_id", n.ClinicaID)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes-1]) + "…"
}

// SendChatNotification pushes a chat message to one device.
func (c *APNsClient) SendChatNotification(deviceToken string, n ChatNotification) error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.bundleID,
		Payload:     chatPayload(n),
		Expiration:  time.Now().Add(24 * time.Hour),
		CollapseID:  "chat-" + n.MessageID,
	}

	res, err := c.client.Push(notification)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to send chat notification")
		return err
	}

	if res.StatusCode != 200 {
		c.logger.Warn().Int("status", res.StatusCode).Str("reason", res.Reason).Msg("chat notification rejected")
		return fmt.Errorf("APNs rejected notification: %s", res.Reason)
	}

	c.logger.Debug().Str("token_prefix", tokenPrefix(deviceToken)).Msg("chat notification sent")
	return nil
}

func tokenPrefix(t string) string {
	if len(t) > 16 {
		return t[:16]
	}
	return t
}
