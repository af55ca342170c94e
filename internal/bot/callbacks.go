package bot

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdCheck = "check"

	// Oldest pending URLs are evicted beyond this; a stale button then
	// simply reports expiry.
	maxPendingURLs = 256
)

// handleMessage reacts to plain-text messages. A supported search URL gets
// an inline keyboard offering to monitor it or search it once.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID

	if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
		b.reply(chatID, "Send me a search URL to get started, or use /help to see all commands.")
		return
	}

	b.registerChat(ctx, msg)

	if _, err := b.providers.Resolve(text); err != nil {
		b.reply(chatID, "This doesn't look like a supported search URL.")
		return
	}

	key := b.rememberURL(text)
	reply := tgbotapi.NewMessage(chatID, fmt.Sprintf("Found a search URL:\n%s\n\nWhat would you like to do?", text))
	reply.DisableWebPagePreview = true
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Monitor", "add:"+key),
			tgbotapi.NewInlineKeyboardButtonData("Search now", "srch:"+key),
		),
	)
	if _, err := b.api.Send(reply); err != nil {
		b.log.Error("send url keyboard", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	ack := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(ack); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, key, ok := strings.Cut(data, ":")
	if !ok {
		return
	}

	b.log.Info("callback",
		"action", action,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case "add", "srch":
		url, ok := b.lookupURL(key)
		if !ok {
			b.reply(chatID, "This button has expired, please send the URL again.")
			return
		}
		if action == "add" {
			b.addWatch(ctx, chatID, url)
			return
		}
		b.searchNow(ctx, chatID, url)
	case cmdCheck:
		b.handleCheck(ctx, chatID, key)
	}
}

// rememberURL stores a URL for later callback use and returns its key.
func (b *Bot) rememberURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	key := fmt.Sprintf("%x", sum[:8])

	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if len(b.pendingURLs) >= maxPendingURLs {
		for k := range b.pendingURLs {
			delete(b.pendingURLs, k)
			break
		}
	}
	b.pendingURLs[key] = url
	return key
}

func (b *Bot) lookupURL(key string) (string, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	url, ok := b.pendingURLs[key]
	return url, ok
}
