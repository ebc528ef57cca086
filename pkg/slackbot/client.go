package slackbot

import (
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Client is a thin wrapper around the slack-go SDK implementing the chat
// seams the reporter and broker depend on.
type Client struct {
	api    *goslack.Client
	logger *slog.Logger
}

// NewClient wraps an authenticated slack-go client.
func NewClient(api *goslack.Client) *Client {
	return &Client{
		api:    api,
		logger: slog.Default().With("component", "slack-client"),
	}
}

// PostThreadMessage posts text into a thread and returns the message ts.
func (c *Client) PostThreadMessage(channelID, threadTS, text string) (string, error) {
	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessage(channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

// PostBlocks posts a Block Kit message with a plain-text fallback.
func (c *Client) PostBlocks(channelID, threadTS, fallback string, blocks []goslack.Block) (string, error) {
	opts := []goslack.MsgOption{
		goslack.MsgOptionText(fallback, false),
		goslack.MsgOptionBlocks(blocks...),
	}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessage(channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

// UpdateMessage edits an existing message in place.
func (c *Client) UpdateMessage(channelID, messageTS, text string) error {
	_, _, _, err := c.api.UpdateMessage(channelID, messageTS,
		goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat.update failed: %w", err)
	}
	return nil
}
