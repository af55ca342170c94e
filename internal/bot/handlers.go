package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/HamletDuFromage/vintelegram/internal/model"
	"github.com/HamletDuFromage/vintelegram/internal/scheduler"
	"github.com/HamletDuFromage/vintelegram/internal/storage"
)

const searchPreviewLimit = 5

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to the marketplace watch bot!

Send me a Vinted or Leboncoin search URL and I will notify you whenever
new items show up for it.

Quick start:
1. /add <url> — start monitoring a search URL
2. /list — show your monitored searches
3. /maxprice <amount> — only get items below a price

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Monitoring:
/add <url> — monitor a search URL (Vinted, Leboncoin, or RSS)
/list — show your monitored searches
/remove <n> — stop monitoring search number n
/check <n> — poll search number n right now
/search <url> — one-off search, without monitoring

Settings:
/settings — show your current settings
/minprice <amount|off> — minimum price filter
/maxprice <amount|off> — maximum price filter
/pause [n] — pause all monitoring, or just search number n
/resume [n] — resume monitoring

Other:
/status — bot statistics
/help — this message

You can also just send a search URL as a plain message.`)
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /add <url>")
		return
	}
	b.addWatch(ctx, chatID, args)
}

func (b *Bot) addWatch(ctx context.Context, chatID int64, rawURL string) {
	prov, err := b.providers.Resolve(rawURL)
	if err != nil {
		b.reply(chatID, "That doesn't look like a supported search URL.")
		return
	}

	w := &model.Watch{
		ChatID:   chatID,
		URL:      rawURL,
		Provider: prov.Name(),
		IsActive: true,
	}
	if err := b.store.CreateWatch(ctx, w); err != nil {
		if errors.Is(err, storage.ErrWatchExists) {
			b.reply(chatID, "This URL is already being monitored.")
			return
		}
		b.reply(chatID, fmt.Sprintf("Failed to save watch: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Now monitoring (%s):\n%s\n\nThe first check seeds the item history; you will be notified of items appearing after that.", prov.Name(), rawURL))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	watches, err := b.store.ListWatches(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatWatchList(watches))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	watch, err := b.watchByArg(ctx, chatID, args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	// Purge queued notifications first so nothing for this watch is
	// delivered after its removal is committed.
	if b.dispatcher != nil {
		b.dispatcher.CancelWatch(watch.ID)
	}
	if err := b.store.DeleteWatch(ctx, watch.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error removing watch: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Stopped monitoring:\n%s", watch.URL))
}

func (b *Bot) handleSearch(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /search <url>")
		return
	}
	b.searchNow(ctx, chatID, args)
}

// searchNow runs a one-off search and replies with the current top items.
// It never touches the seen-item ledger.
func (b *Bot) searchNow(ctx context.Context, chatID int64, rawURL string) {
	prov, err := b.providers.Resolve(rawURL)
	if err != nil {
		b.reply(chatID, "That doesn't look like a supported search URL.")
		return
	}

	b.reply(chatID, "Searching...")

	items, err := prov.Search(ctx, rawURL, searchPreviewLimit)
	if err != nil {
		b.log.Error("one-off search", "chat_id", chatID, "url", rawURL, "error", err)
		b.reply(chatID, "Search failed. Please try again later.")
		return
	}
	if len(items) == 0 {
		b.reply(chatID, "No items found for this search.")
		return
	}
	for _, item := range items {
		b.reply(chatID, FormatItem(item))
	}
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	watch, err := b.watchByArg(ctx, chatID, args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if b.checker == nil {
		b.reply(chatID, "Checking is not available right now.")
		return
	}

	n, err := b.checker.CheckNow(ctx, watch.ID)
	if err != nil {
		if errors.Is(err, scheduler.ErrCheckBusy) {
			b.reply(chatID, "A check for this search is already running.")
			return
		}
		b.reply(chatID, fmt.Sprintf("Check failed: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, "No new items.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Found %d new item(s), sending them now.", n))
}

func (b *Bot) handleSettings(ctx context.Context, chatID int64) {
	chat, err := b.store.GetChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	watches, err := b.store.ListWatches(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSettings(chat, len(watches)))
}

func (b *Bot) handleSetPrice(ctx context.Context, chatID int64, args string, upper bool) {
	name := "minimum"
	if upper {
		name = "maximum"
	}
	price, clear, err := ParsePriceArg(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /%sprice <amount|off>", map[bool]string{false: "min", true: "max"}[upper]))
		return
	}

	chat, err := b.store.GetChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	var val *float64
	if !clear {
		val = &price
	}
	if upper {
		chat.MaxPrice = val
	} else {
		chat.MinPrice = val
	}
	if err := b.store.UpdateChat(ctx, chat); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	if clear {
		b.reply(chatID, fmt.Sprintf("Removed the %s price filter.", name))
		return
	}
	b.reply(chatID, fmt.Sprintf("Set the %s price to %.2f.", name, price))
}

// handlePause toggles monitoring. Without an argument the whole chat is
// paused or resumed; with one, only the selected watch.
func (b *Bot) handlePause(ctx context.Context, chatID int64, args string, pause bool) {
	if args != "" {
		b.pauseWatch(ctx, chatID, args, pause)
		return
	}

	chat, err := b.store.GetChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	chat.Paused = pause
	if err := b.store.UpdateChat(ctx, chat); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if pause {
		if b.dispatcher != nil {
			b.dispatcher.CancelChat(chatID)
		}
		b.reply(chatID, "Monitoring paused for this chat. Use /resume to restart.")
		return
	}
	b.reply(chatID, "Monitoring resumed for this chat.")
}

func (b *Bot) pauseWatch(ctx context.Context, chatID int64, args string, pause bool) {
	watch, err := b.watchByArg(ctx, chatID, args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := b.store.SetWatchActive(ctx, watch.ID, !pause); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if pause {
		if b.dispatcher != nil {
			b.dispatcher.CancelWatch(watch.ID)
		}
		b.reply(chatID, fmt.Sprintf("Paused monitoring:\n%s", watch.URL))
		return
	}
	b.reply(chatID, fmt.Sprintf("Resumed monitoring:\n%s", watch.URL))
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	stats, err := b.store.Stats(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	watches, err := b.store.ListWatches(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	var sent, dropped, failed int64
	if b.dispatcher != nil {
		sent = b.dispatcher.Sent()
		dropped = b.dispatcher.Dropped()
		failed = b.dispatcher.Failed()
	}
	b.reply(chatID, FormatStatus(stats, len(watches), b.cfg.CheckInterval, sent, dropped, failed))
}

// watchByArg resolves a 1-based list index or an exact URL to one of the
// chat's watches.
func (b *Bot) watchByArg(ctx context.Context, chatID int64, args string) (*model.Watch, error) {
	watches, err := b.store.ListWatches(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("error: %v", err)
	}
	if len(watches) == 0 {
		return nil, errors.New("You have no monitored searches. Use /add <url> to add one.")
	}

	if idx, err := ParseIndexArg(args); err == nil {
		if idx < 1 || idx > len(watches) {
			return nil, fmt.Errorf("Search number must be between 1 and %d.", len(watches))
		}
		return &watches[idx-1], nil
	}

	for i := range watches {
		if watches[i].URL == args {
			return &watches[i], nil
		}
	}
	return nil, errors.New("Search not found. Use /list to see the numbers.")
}
