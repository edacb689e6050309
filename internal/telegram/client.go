// Package telegram implements the transport and delivery boundaries against a
// Bot API compatible gateway: long-polled updates for inbound messages and
// button presses, sendMessage with inline keyboards for alert cards, and the
// gateway's dialog and notification-settings extensions for mute control.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/transport"
)

const (
	defaultPollTimeout = 30 * time.Second
	httpTimeout        = 60 * time.Second
)

// Config carries the gateway connection settings.
type Config struct {
	Token       string
	BaseURL     string
	OwnerChatID int64
	PollTimeout time.Duration
}

// Action is a parsed button press from an alert card.
type Action struct {
	Kind     string // "label", "mute", "unmute"
	Value    string // label name or mute duration token
	RecordID string
}

// ActionHandler processes a button press and returns the confirmation text
// shown to the user, or a user-visible error.
type ActionHandler interface {
	HandleAction(ctx context.Context, a Action) (string, error)
}

// Client talks to the gateway. It implements transport.Transport and
// transport.Delivery.
type Client struct {
	httpc       *http.Client
	baseURL     string
	token       string
	ownerChatID int64
	pollTimeout time.Duration
	logger      log.Logger
	handler     ActionHandler

	selfID int64
}

// New creates a gateway client. The action handler may be nil when the client
// is used for delivery only.
func New(cfg Config, handler ActionHandler, logger log.Logger) *Client {
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		httpc:       &http.Client{Timeout: httpTimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       cfg.Token,
		ownerChatID: cfg.OwnerChatID,
		pollTimeout: pollTimeout,
		logger:      logger,
		handler:     handler,
	}
}

// SetHandler attaches the action handler. Must be called before Start; the
// update loop reads it without locking.
func (c *Client) SetHandler(h ActionHandler) {
	c.handler = h
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// call posts a JSON payload to a gateway method and decodes the result.
// HTTP 429 and error_code 429 both map to transport.RateLimitedError.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("telegram: marshal %s: %w", method, err)
		}
		body = bytes.NewReader(b)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return fmt.Errorf("telegram: decode %s response (http %d): %w", method, resp.StatusCode, err)
	}

	if !api.OK {
		if api.ErrorCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTooManyRequests {
			retry := time.Second
			if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
				retry = time.Duration(api.Parameters.RetryAfter) * time.Second
			}
			return &transport.RateLimitedError{RetryAfter: retry}
		}
		return fmt.Errorf("telegram: %s failed (code %d): %s", method, api.ErrorCode, api.Description)
	}

	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (u *user) displayName() string {
	if u == nil {
		return ""
	}
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case u.Username != "":
		return "@" + u.Username
	default:
		return ""
	}
}

type chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

type entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type inboundMessage struct {
	MessageID int64    `json:"message_id"`
	Date      int64    `json:"date,omitempty"`
	Chat      *chat    `json:"chat,omitempty"`
	From      *user    `json:"from,omitempty"`
	Text      string   `json:"text,omitempty"`
	Entities  []entity `json:"entities,omitempty"`
}

type callbackQuery struct {
	ID      string          `json:"id"`
	From    *user           `json:"from,omitempty"`
	Message *inboundMessage `json:"message,omitempty"`
	Data    string          `json:"data,omitempty"`
}

type update struct {
	UpdateID      int64           `json:"update_id"`
	Message       *inboundMessage `json:"message,omitempty"`
	CallbackQuery *callbackQuery  `json:"callback_query,omitempty"`
}

// Start resolves the account identity. Must be called before Events so
// self-originated messages can be flagged.
func (c *Client) Start(ctx context.Context) error {
	var me user
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	c.selfID = me.ID
	c.logger.Info(ctx, "telegram gateway connected", "self_id", me.ID, "username", me.Username)
	return nil
}

// Events long-polls the gateway and converts message updates to
// transport.MessageEvent. Button presses are routed to the action handler
// inline; the loop exits and closes the channel when ctx is cancelled.
func (c *Client) Events(ctx context.Context) (<-chan transport.MessageEvent, error) {
	out := make(chan transport.MessageEvent)

	go func() {
		defer close(out)
		var offset int64
		for {
			if ctx.Err() != nil {
				return
			}

			updates, next, err := c.getUpdates(ctx, offset)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if wait, ok := transport.RetryAfter(err); ok {
					c.logger.Info(ctx, "update poll rate limited", "retry_after", wait)
				} else {
					c.logger.Error(ctx, err, "update poll failed")
				}
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			offset = next

			for _, u := range updates {
				switch {
				case u.Message != nil:
					ev, ok := c.toEvent(u.Message)
					if !ok {
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				case u.CallbackQuery != nil:
					c.handleCallback(ctx, u.CallbackQuery)
				}
			}
		}
	}()

	return out, nil
}

func (c *Client) getUpdates(ctx context.Context, offset int64) ([]update, int64, error) {
	secs := int(c.pollTimeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	payload := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.pollTimeout+5*time.Second)
	defer cancel()

	var updates []update
	if err := c.call(reqCtx, "getUpdates", payload, &updates); err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

func (c *Client) toEvent(m *inboundMessage) (transport.MessageEvent, bool) {
	if m.Chat == nil {
		return transport.MessageEvent{}, false
	}

	ev := transport.MessageEvent{
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		ChatTitle: m.Chat.Title,
		ChatKind:  message.ChatKind(m.Chat.Type),
		Text:      m.Text,
		SentAt:    time.Unix(m.Date, 0).UTC(),
	}
	if m.From != nil {
		ev.SenderID = m.From.ID
		ev.SenderName = m.From.displayName()
		ev.Outgoing = m.From.ID == c.selfID
	}
	for _, e := range m.Entities {
		if e.Type == "mention" || e.Type == "text_mention" {
			ev.Mentioned = true
			break
		}
	}
	return ev, true
}

// handleCallback parses the button payload, runs the action, edits the card
// with the confirmation, and answers the callback so the client stops its
// spinner. Failures are answered with the error text, never propagated.
func (c *Client) handleCallback(ctx context.Context, cq *callbackQuery) {
	if c.handler == nil {
		return
	}

	action, err := parseCallbackData(cq.Data)
	if err != nil {
		c.logger.Error(ctx, err, "unparseable callback", "data", cq.Data)
		c.answerCallback(ctx, cq.ID, "unrecognized action")
		return
	}

	L := c.logger.With("record_id", action.RecordID, "action", action.Kind)

	confirmation, err := c.handler.HandleAction(ctx, action)
	if err != nil {
		L.Error(ctx, err, "action failed")
		c.answerCallback(ctx, cq.ID, err.Error())
		return
	}

	c.answerCallback(ctx, cq.ID, confirmation)

	if cq.Message != nil && cq.Message.Chat != nil {
		edit := map[string]any{
			"chat_id":    cq.Message.Chat.ID,
			"message_id": cq.Message.MessageID,
			"text":       cq.Message.Text + "\n\n" + confirmation,
		}
		if err := c.call(ctx, "editMessageText", edit, nil); err != nil {
			L.Error(ctx, err, "edit card failed")
		}
	}
}

func (c *Client) answerCallback(ctx context.Context, callbackID, text string) {
	payload := map[string]any{"callback_query_id": callbackID, "text": text}
	if err := c.call(ctx, "answerCallbackQuery", payload, nil); err != nil {
		c.logger.Error(ctx, err, "answer callback failed")
	}
}

// parseCallbackData decodes "kind:value:recordID" button payloads; unmute has
// no value ("unmute:recordID").
func parseCallbackData(data string) (Action, error) {
	parts := strings.Split(data, ":")
	switch {
	case len(parts) == 3 && (parts[0] == "label" || parts[0] == "mute"):
		if parts[1] == "" || parts[2] == "" {
			return Action{}, fmt.Errorf("empty field in callback %q", data)
		}
		return Action{Kind: parts[0], Value: parts[1], RecordID: parts[2]}, nil
	case len(parts) == 2 && parts[0] == "unmute":
		if parts[1] == "" {
			return Action{}, fmt.Errorf("empty record id in callback %q", data)
		}
		return Action{Kind: "unmute", RecordID: parts[1]}, nil
	default:
		return Action{}, fmt.Errorf("unknown callback format %q", data)
	}
}

type gatewayDialog struct {
	Chat        chat  `json:"chat"`
	Silent      bool  `json:"silent,omitempty"`
	MutedUntil  int64 `json:"muted_until,omitempty"`
	MemberCount int   `json:"member_count,omitempty"`
}

func (d gatewayDialog) toDialog() transport.Dialog {
	return transport.Dialog{
		ChatID:       d.Chat.ID,
		Title:        d.Chat.Title,
		Kind:         message.ChatKind(d.Chat.Type),
		Silent:       d.Silent,
		MutedUntil:   d.MutedUntil,
		Participants: d.MemberCount,
	}
}

// Dialogs enumerates all conversations via the gateway's getDialogs
// extension.
func (c *Client) Dialogs(ctx context.Context) ([]transport.Dialog, error) {
	var raw []gatewayDialog
	if err := c.call(ctx, "getDialogs", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]transport.Dialog, 0, len(raw))
	for _, d := range raw {
		out = append(out, d.toDialog())
	}
	return out, nil
}

// Participants fetches the member count for a single chat.
func (c *Client) Participants(ctx context.Context, chatID int64) (int, error) {
	var count int
	err := c.call(ctx, "getChatMemberCount", map[string]any{"chat_id": chatID}, &count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Resolve fetches current metadata for one chat.
func (c *Client) Resolve(ctx context.Context, chatID int64) (transport.Dialog, error) {
	var d gatewayDialog
	if err := c.call(ctx, "getDialog", map[string]any{"chat_id": chatID}, &d); err != nil {
		return transport.Dialog{}, err
	}
	return d.toDialog(), nil
}

// SetMute mutes a chat via the gateway's notification-settings extension.
func (c *Client) SetMute(ctx context.Context, chatID int64, until int64) error {
	return c.call(ctx, "setChatNotifications",
		map[string]any{"chat_id": chatID, "muted_until": until}, nil)
}

// ClearMute unmutes a chat.
func (c *Client) ClearMute(ctx context.Context, chatID int64) error {
	return c.call(ctx, "setChatNotifications",
		map[string]any{"chat_id": chatID, "muted_until": 0}, nil)
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// SendCard delivers an alert card with label and mute buttons keyed by the
// record ID.
func (c *Client) SendCard(ctx context.Context, card transport.Card) error {
	keyboard := [][]inlineButton{
		{
			{Text: "High", CallbackData: "label:high:" + card.RecordID},
			{Text: "Medium", CallbackData: "label:medium:" + card.RecordID},
			{Text: "Low", CallbackData: "label:low:" + card.RecordID},
		},
		{
			{Text: "Mute 1h", CallbackData: "mute:1h:" + card.RecordID},
			{Text: "Mute 8h", CallbackData: "mute:8h:" + card.RecordID},
			{Text: "Mute 1d", CallbackData: "mute:1d:" + card.RecordID},
		},
		{
			{Text: "Mute 1w", CallbackData: "mute:1w:" + card.RecordID},
			{Text: "Mute forever", CallbackData: "mute:forever:" + card.RecordID},
			{Text: "Unmute", CallbackData: "unmute:" + card.RecordID},
		},
	}

	payload := map[string]any{
		"chat_id":      c.ownerChatID,
		"text":         card.Text,
		"reply_markup": map[string]any{"inline_keyboard": keyboard},
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// SendNotice delivers a plain text message to the owner.
func (c *Client) SendNotice(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id": c.ownerChatID,
		"text":    text,
	}
	return c.call(ctx, "sendMessage", payload, nil)
}
