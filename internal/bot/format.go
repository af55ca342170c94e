package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/HamletDuFromage/vintelegram/internal/model"
	"github.com/HamletDuFromage/vintelegram/internal/storage"
)

// FormatNotification renders a newly discovered item as a notification.
// Wired into the scheduler as its FormatFunc.
func FormatNotification(_ model.Watch, item model.Item) string {
	var b strings.Builder
	b.WriteString("New item found!\n\n")
	b.WriteString(FormatItem(item))
	return b.String()
}

// FormatItem renders a single listing.
func FormatItem(item model.Item) string {
	var b strings.Builder
	b.WriteString(item.Title)
	if item.Brand != "" {
		fmt.Fprintf(&b, "\nBrand: %s", item.Brand)
	}
	if item.Price > 0 {
		fmt.Fprintf(&b, "\nPrice: %.2f %s", item.Price, item.Currency)
	}
	if item.URL != "" {
		fmt.Fprintf(&b, "\n%s", item.URL)
	}
	if item.PhotoURL != "" {
		fmt.Fprintf(&b, "\nPhoto: %s", item.PhotoURL)
	}
	return b.String()
}

// FormatWatchList renders a chat's monitored searches.
func FormatWatchList(watches []model.Watch) string {
	if len(watches) == 0 {
		return "You have no monitored searches yet. Use /add <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Your monitored searches:\n")
	for i, w := range watches {
		status := ""
		if !w.IsActive {
			status = " [paused]"
		}
		fmt.Fprintf(&b, "\n%d. (%s)%s\n%s\n", i+1, w.Provider, status, w.URL)
	}
	b.WriteString("\nUse /remove <n> to stop monitoring, /check <n> to poll now.")
	return b.String()
}

// FormatSettings renders a chat's settings.
func FormatSettings(chat *model.Chat, watchCount int) string {
	var b strings.Builder
	b.WriteString("Chat settings:\n\n")
	fmt.Fprintf(&b, "Notifications: %s\n", onOff(chat.Notify && !chat.Paused))
	fmt.Fprintf(&b, "Min price: %s\n", priceLabel(chat.MinPrice))
	fmt.Fprintf(&b, "Max price: %s\n", priceLabel(chat.MaxPrice))
	fmt.Fprintf(&b, "Monitored searches: %d\n", watchCount)
	if chat.MaxItemsPerCheck > 0 {
		fmt.Fprintf(&b, "Max items per check: %d\n", chat.MaxItemsPerCheck)
	}
	return b.String()
}

// FormatStatus renders bot-wide statistics.
func FormatStatus(stats storage.Stats, chatWatches int, interval time.Duration, sent, dropped, failed int64) string {
	var b strings.Builder
	b.WriteString("Bot status:\n\n")
	fmt.Fprintf(&b, "Total chats: %d\n", stats.Chats)
	fmt.Fprintf(&b, "Searches in this chat: %d\n", chatWatches)
	fmt.Fprintf(&b, "Total searches tracked: %d\n", stats.Watches)
	fmt.Fprintf(&b, "Total seen items: %d\n", stats.SeenItems)
	fmt.Fprintf(&b, "Check interval: %s\n", interval)
	fmt.Fprintf(&b, "Notifications sent: %d", sent)
	if dropped > 0 {
		fmt.Fprintf(&b, "\nNotifications dropped (queue full): %d", dropped)
	}
	if failed > 0 {
		fmt.Fprintf(&b, "\nNotifications failed: %d", failed)
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func priceLabel(p *float64) string {
	if p == nil {
		return "no limit"
	}
	return fmt.Sprintf("%.2f", *p)
}
