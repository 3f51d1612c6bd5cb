// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/perfwatch/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// StatusFunc reports the current detector status as plain text.
type StatusFunc func() string

// ListenForCommands starts a goroutine that polls for Telegram updates and
// answers /ping and /status. It returns immediately; the goroutine stops when
// ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusFunc) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			return
		}
		text = status()
	default:
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// Send sends a summary of the functions with anomalies in one batch.
func (c *Client) Send(results []models.FuncResult) error {
	return c.sendMarkdownV2(c.formatMessage(results))
}

// formatMessage formats anomalous function results into a Telegram MarkdownV2
// message, most anomalous function first.
func (c *Client) formatMessage(results []models.FuncResult) string {
	var flagged []models.FuncResult
	for _, r := range results {
		if r.Result != nil && r.Result.AnomalousCount > 0 {
			flagged = append(flagged, r)
		}
	}
	sort.SliceStable(flagged, func(i, j int) bool {
		return flagged[i].Result.AnomalousCount > flagged[j].Result.AnomalousCount
	})

	message := "🚨 *Performance anomalies*\n\n"
	if len(flagged) == 0 {
		return message + "No anomalous functions\n"
	}

	first := flagged[0]
	dateStr := escapeMarkdownV2(first.DetectedAt.Format("2006-01-02 15:04:05"))
	message += fmt.Sprintf("📅 Detected: %s\n", dateStr)
	message += fmt.Sprintf("📦 Batch %d \\(app %d, rank %d, step %d\\)\n\n",
		first.Batch, first.AppID, first.RankID, first.Step)

	for i, r := range flagged {
		message += fmt.Sprintf("%d\\. `%s` \\(fid %d\\)\n", i+1, escapeMarkdownV2(r.FuncName), r.FuncID)
		message += fmt.Sprintf("   *%d* of %d calls anomalous\n", r.Result.AnomalousCount, r.N)
		stats := escapeMarkdownV2(fmt.Sprintf("mean %.1fµs, std %.1fµs", r.Mean, r.StdDev))
		message += fmt.Sprintf("   %s\n", stats)
		message += fmt.Sprintf("   %s\n\n", escapeMarkdownV2(r.Result.Summary.ThresholdDescription))
	}

	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
