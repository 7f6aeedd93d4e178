// Package client talks to a chatter server. Client implements the store,
// ephemeral presence and presence update boundaries the realtime layer
// consumes, plus the write calls a chat client issues.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatter/internal/api"
	"chatter/internal/models"
	"chatter/internal/provider"
)

const DefaultTimeout = 10 * time.Second

var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a non-success response from the REST API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	Tokens    provider.TokenSource
	Timeout   time.Duration
	// StreamBuffer is the capacity of every stream and presence channel.
	StreamBuffer int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Client struct {
	base   *url.URL
	http   *http.Client
	tokens provider.TokenSource
	buffer int
	logger *slog.Logger

	mu    sync.Mutex
	relay *relay
}

var (
	_ provider.Store           = (*Client)(nil)
	_ provider.Ephemeral       = (*Client)(nil)
	_ provider.PresenceUpdater = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.ServerURL)
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   base,
		http:   cfg.HTTPClient,
		tokens: cfg.Tokens,
		buffer: cfg.StreamBuffer,
		logger: cfg.Logger.With("component", "client"),
	}, nil
}

// Close drops the realtime connection. Open streams fail and presence
// channels close.
func (c *Client) Close() error {
	c.mu.Lock()
	r := c.relay
	c.relay = nil
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.close()
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, c.tokens.Token(), out)
}

func (c *Client) send(req *http.Request, token string, out any) error {
	if token != "" {
		req.Header.Set("token", token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var e api.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, msg)
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

// Lookups.

func (c *Client) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &u)
	return u, err
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &u)
	return u, err
}

func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &users)
	return users, err
}

func (c *Client) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, &m)
	return m, err
}

func (c *Client) GetAttachment(ctx context.Context, id string) (models.AttachmentDetail, error) {
	var d models.AttachmentDetail
	err := c.do(ctx, http.MethodGet, "/api/attachments/"+url.PathEscape(id), nil, &d)
	return d, err
}

// ChannelPeers lists the users sharing a channel with the caller. The server
// derives the caller from the token; userID is accepted to satisfy provider.Store.
func (c *Client) ChannelPeers(ctx context.Context, _ string) ([]models.User, error) {
	var peers []models.User
	err := c.do(ctx, http.MethodGet, "/api/peers/channels", nil, &peers)
	return peers, err
}

func (c *Client) DMPeers(ctx context.Context, _ string) ([]models.User, error) {
	var peers []models.User
	err := c.do(ctx, http.MethodGet, "/api/peers/dms", nil, &peers)
	return peers, err
}

func (c *Client) ListChannels(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	err := c.do(ctx, http.MethodGet, "/api/channels", nil, &channels)
	return channels, err
}

func (c *Client) ListDMs(ctx context.Context) ([]models.DMConversation, error) {
	var dms []models.DMConversation
	err := c.do(ctx, http.MethodGet, "/api/dms", nil, &dms)
	return dms, err
}

func (c *Client) ListMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	var messages []models.Message
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(key.String())+"/messages", nil, &messages)
	return messages, err
}

func (c *Client) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	var reactions []models.Reaction
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(messageID)+"/reactions", nil, &reactions)
	return reactions, err
}

// UpdatePresence publishes the caller's status using token rather than the
// token source, so a logout can still send its final update.
func (c *Client) UpdatePresence(ctx context.Context, token string, status models.Presence) error {
	b, err := json.Marshal(api.PresenceRequest{Status: status})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.endpoint("/api/users/me/presence"), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, token, nil)
}

// Writes.

func (c *Client) PostMessage(ctx context.Context, req api.PostMessageRequest) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", req, &m)
	return m, err
}

func (c *Client) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id), api.EditMessageRequest{Content: content}, &m)
	return m, err
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil)
}

// ToggleReaction adds the reaction, or removes it when already present.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	var resp api.ReactionResponse
	err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/reactions", api.ReactionRequest{Emoji: emoji}, &resp)
	return resp.Added, err
}

func (c *Client) AttachFile(ctx context.Context, messageID, fileID string) (models.FileAttachment, error) {
	var fa models.FileAttachment
	err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/attachments", api.AttachRequest{FileID: fileID}, &fa)
	return fa, err
}

func (c *Client) DeleteAttachment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/attachments/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateChannel(ctx context.Context, name string) (models.Channel, error) {
	var ch models.Channel
	err := c.do(ctx, http.MethodPost, "/api/channels", api.ChannelRequest{Name: name}, &ch)
	return ch, err
}

func (c *Client) RenameChannel(ctx context.Context, id, name string) (models.Channel, error) {
	var ch models.Channel
	err := c.do(ctx, http.MethodPatch, "/api/channels/"+url.PathEscape(id), api.ChannelRequest{Name: name}, &ch)
	return ch, err
}

func (c *Client) AddMember(ctx context.Context, channelID, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(channelID)+"/members", api.UserRequest{UserID: userID}, nil)
}

func (c *Client) RemoveMember(ctx context.Context, channelID, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/channels/"+url.PathEscape(channelID)+"/members/"+url.PathEscape(userID), nil, nil)
}

func (c *Client) CreateDM(ctx context.Context, userID string) (models.DMConversation, error) {
	var dm models.DMConversation
	err := c.do(ctx, http.MethodPost, "/api/dms", api.UserRequest{UserID: userID}, &dm)
	return dm, err
}

// UploadFile stores r under name. The server detects the content type.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (models.File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return models.File{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return models.File{}, err
	}
	if err := mw.Close(); err != nil {
		return models.File{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/files"), &buf)
	if err != nil {
		return models.File{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var f models.File
	err = c.send(req, c.tokens.Token(), &f)
	return f, err
}

// DownloadFile returns the content of a stored file. The caller closes it.
func (c *Client) DownloadFile(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/files/"+url.PathEscape(id)), nil)
	if err != nil {
		return nil, err
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("token", token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (c *Client) Logoff(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/logoff", nil, nil)
}
