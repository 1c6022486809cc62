package chatops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vigil-ims/config"
	"vigil-ims/core/utils"
)

// ChatMessage is one outbound direct message to a chat-platform user.
type ChatMessage struct {
	RecipientID string
	ChannelRef  string
	Text        string
}

type Sender interface {
	Send(ctx context.Context, msg ChatMessage) error
	// AddMembers ensures the platform users are members of the channel before
	// they get paged about it.
	AddMembers(ctx context.Context, channelRef string, platformUserIDs []string) error
}

// HTTPChatSender delivers messages through the chat platform's HTTP API. The
// bot token is stored encrypted in config and decrypted on demand.
type HTTPChatSender struct {
	client    *http.Client
	baseURL   string
	platform  string
	tokenEnc  string
	encryptor *utils.Encryptor
}

func NewHTTPChatSender(cfg config.ChatConfig, encryptor *utils.Encryptor) *HTTPChatSender {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChatSender{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		platform:  strings.ToLower(strings.TrimSpace(cfg.Platform)),
		tokenEnc:  cfg.BotTokenEnc,
		encryptor: encryptor,
	}
}

func (s *HTTPChatSender) token() (string, error) {
	if strings.TrimSpace(s.tokenEnc) == "" {
		return "", errors.New("chat bot token missing")
	}
	if s.encryptor == nil {
		return s.tokenEnc, nil
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.tokenEnc))
	if err != nil {
		return "", fmt.Errorf("decode chat token: %w", err)
	}
	plain, err := s.encryptor.DecryptBlob(blob)
	if err != nil {
		return "", fmt.Errorf("decrypt chat token: %w", err)
	}
	return string(plain), nil
}

func (s *HTTPChatSender) Send(ctx context.Context, msg ChatMessage) error {
	if strings.TrimSpace(msg.RecipientID) == "" {
		return errors.New("chat recipient missing")
	}
	body := map[string]any{
		"recipient_id": msg.RecipientID,
		"text":         msg.Text,
	}
	if strings.TrimSpace(msg.ChannelRef) != "" {
		body["channel_ref"] = msg.ChannelRef
	}
	return s.post(ctx, fmt.Sprintf("%s/v1/%s/messages", s.baseURL, s.platform), body)
}

func (s *HTTPChatSender) AddMembers(ctx context.Context, channelRef string, platformUserIDs []string) error {
	if strings.TrimSpace(channelRef) == "" || len(platformUserIDs) == 0 {
		return nil
	}
	body := map[string]any{
		"channel_ref": channelRef,
		"user_ids":    platformUserIDs,
	}
	return s.post(ctx, fmt.Sprintf("%s/v1/%s/channels/members", s.baseURL, s.platform), body)
}

func (s *HTTPChatSender) post(ctx context.Context, endpoint string, body map[string]any) error {
	token, err := s.token()
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("chat api status %d", resp.StatusCode)
}
