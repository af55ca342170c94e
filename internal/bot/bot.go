package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/HamletDuFromage/vintelegram/internal/config"
	"github.com/HamletDuFromage/vintelegram/internal/dispatch"
	"github.com/HamletDuFromage/vintelegram/internal/provider"
	"github.com/HamletDuFromage/vintelegram/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Checker triggers an immediate poll of a single watch.
type Checker interface {
	CheckNow(ctx context.Context, watchID int64) (int, error)
}

// Bot is the Telegram bot that handles user commands and sends notifications.
type Bot struct {
	api       telegramAPI
	store     storage.Storage
	cfg       *config.Config
	providers *provider.Registry
	log       *slog.Logger

	checker    Checker
	dispatcher *dispatch.Dispatcher

	// Pending URLs referenced from inline-keyboard callbacks; Telegram
	// caps callback data at 64 bytes, so URLs are keyed by a short hash.
	pendingMu   sync.Mutex
	pendingURLs map[string]string
}

// New creates a Bot with the given Telegram token, storage, and config.
func New(token string, store storage.Storage, cfg *config.Config, providers *provider.Registry, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:         api,
		store:       store,
		cfg:         cfg,
		providers:   providers,
		log:         log,
		pendingURLs: make(map[string]string),
	}, nil
}

// Attach wires the scheduler and dispatcher in after construction; the
// scheduler needs the bot as its message formatter and the dispatcher needs
// it as its sender, so they are built second.
func (b *Bot) Attach(checker Checker, dispatcher *dispatch.Dispatcher) {
	b.checker = checker
	b.dispatcher = dispatcher
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			if update.Message.IsCommand() {
				b.handleCommand(ctx, update.Message)
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// Send sends a text message to the given chat. It implements the
// dispatcher's Sender interface, so delivery errors are returned for the
// dispatcher's retry logic rather than swallowed.
func (b *Bot) Send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.Send(chatID, text); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	b.registerChat(ctx, msg)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "search":
		b.handleSearch(ctx, chatID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case "settings":
		b.handleSettings(ctx, chatID)
	case "minprice":
		b.handleSetPrice(ctx, chatID, args, false)
	case "maxprice":
		b.handleSetPrice(ctx, chatID, args, true)
	case "pause":
		b.handlePause(ctx, chatID, args, true)
	case "resume":
		b.handlePause(ctx, chatID, args, false)
	case "status":
		b.handleStatus(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// registerChat makes sure the chat exists before any command touches it.
func (b *Bot) registerChat(ctx context.Context, msg *tgbotapi.Message) {
	title := msg.Chat.Title
	if title == "" && msg.From != nil {
		title = msg.From.FirstName
	}
	if err := b.store.UpsertChat(ctx, msg.Chat.ID, title); err != nil {
		b.log.Error("upsert chat", "chat_id", msg.Chat.ID, "error", err)
	}
}
