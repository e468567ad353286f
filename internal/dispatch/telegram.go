package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SchemeTelegram is the session prefix routed to the Telegram dispatcher.
const SchemeTelegram = "telegram"

// Telegram messages are capped at 4096 characters.
const telegramMaxMessage = 4096

// telegramHTTPTimeout bounds every Bot API request; the client library
// takes no context.
const telegramHTTPTimeout = 30 * time.Second

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts directives into a chat identified by "telegram:<chat_id>".
type Telegram struct {
	sender messageSender
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: telegramHTTPTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return &Telegram{sender: bot}, nil
}

// ParseTelegramSession extracts the chat id from a "telegram:<chat_id>" session.
func ParseTelegramSession(sessionID string) (int64, error) {
	scheme, rest, ok := strings.Cut(sessionID, ":")
	if !ok || scheme != SchemeTelegram {
		return 0, fmt.Errorf("not a telegram session: %q", sessionID)
	}
	chatID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", rest, err)
	}
	return chatID, nil
}

func (t *Telegram) Dispatch(ctx context.Context, sessionID, directive, _ string) (string, error) {
	chatID, err := ParseTelegramSession(sessionID)
	if err != nil {
		return "", err
	}
	for _, chunk := range splitMessage(directive, telegramMaxMessage) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := t.send(ctx, tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return "", err
		}
	}
	return "sent", nil
}

// send runs one Send and returns early when ctx ends. The abandoned request
// still finishes (or times out) in the background.
func (t *Telegram) send(ctx context.Context, msg tgbotapi.Chattable) error {
	errc := make(chan error, 1)
	go func() {
		_, err := t.sender.Send(msg)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}

// splitMessage cuts text into rune-safe pieces of at most limit runes,
// preferring line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
