package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/HamletDuFromage/vintelegram/internal/model"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustChat(t *testing.T, s *SQLite, chatID int64) {
	t.Helper()
	if err := s.UpsertChat(context.Background(), chatID, "test chat"); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
}

func mustWatch(t *testing.T, s *SQLite, chatID int64, url string) *model.Watch {
	t.Helper()
	w := &model.Watch{ChatID: chatID, URL: url, Provider: "vinted", IsActive: true}
	if err := s.CreateWatch(context.Background(), w); err != nil {
		t.Fatalf("create watch: %v", err)
	}
	return w
}

func TestUpsertChatRefreshesTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertChat(ctx, 100, "first"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertChat(ctx, 100, "renamed"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	chat, err := s.GetChat(ctx, 100)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.Title != "renamed" {
		t.Errorf("title = %q, want %q", chat.Title, "renamed")
	}
	if !chat.Notify || chat.Paused {
		t.Errorf("new chat defaults wrong: notify=%v paused=%v", chat.Notify, chat.Paused)
	}
}

func TestUpdateChatSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)

	chat, err := s.GetChat(ctx, 100)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	minP, maxP := 10.0, 80.0
	chat.MinPrice = &minP
	chat.MaxPrice = &maxP
	chat.Paused = true
	chat.MaxItemsPerCheck = 5
	if err := s.UpdateChat(ctx, chat); err != nil {
		t.Fatalf("update chat: %v", err)
	}

	got, err := s.GetChat(ctx, 100)
	if err != nil {
		t.Fatalf("reload chat: %v", err)
	}
	if got.MinPrice == nil || *got.MinPrice != 10.0 {
		t.Errorf("min price = %v, want 10", got.MinPrice)
	}
	if got.MaxPrice == nil || *got.MaxPrice != 80.0 {
		t.Errorf("max price = %v, want 80", got.MaxPrice)
	}
	if !got.Paused {
		t.Errorf("paused not persisted")
	}
	if got.MaxItemsPerCheck != 5 {
		t.Errorf("max items = %d, want 5", got.MaxItemsPerCheck)
	}
}

func TestCreateWatchDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)

	mustWatch(t, s, 100, "https://www.vinted.fr/catalog?search_text=nike")

	dup := &model.Watch{ChatID: 100, URL: "https://www.vinted.fr/catalog?search_text=nike", Provider: "vinted", IsActive: true}
	err := s.CreateWatch(ctx, dup)
	if !errors.Is(err, ErrWatchExists) {
		t.Errorf("duplicate watch error = %v, want ErrWatchExists", err)
	}

	// The same URL in a different chat is a separate watch.
	mustChat(t, s, 200)
	other := &model.Watch{ChatID: 200, URL: "https://www.vinted.fr/catalog?search_text=nike", Provider: "vinted", IsActive: true}
	if err := s.CreateWatch(ctx, other); err != nil {
		t.Errorf("same URL in another chat: %v", err)
	}
}

func TestListWatchesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)

	urls := []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"}
	for _, u := range urls {
		mustWatch(t, s, 100, u)
	}

	watches, err := s.ListWatches(ctx, 100)
	if err != nil {
		t.Fatalf("list watches: %v", err)
	}
	got := make([]string, len(watches))
	for i, w := range watches {
		got[i] = w.URL
	}
	if diff := cmp.Diff(urls, got); diff != "" {
		t.Errorf("watch order mismatch (-want +got):\n%s", diff)
	}
}

func TestListDueWatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	mustChat(t, s, 1)
	mustChat(t, s, 2)
	mustChat(t, s, 3)

	neverChecked := mustWatch(t, s, 1, "https://a.example/never")
	staleWatch := mustWatch(t, s, 1, "https://a.example/stale")
	freshWatch := mustWatch(t, s, 1, "https://a.example/fresh")
	_ = mustWatch(t, s, 2, "https://a.example/pausedchat")
	inactive := mustWatch(t, s, 3, "https://a.example/inactive")

	if err := s.UpdateWatchChecked(ctx, staleWatch.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if err := s.UpdateWatchChecked(ctx, freshWatch.ID, now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark fresh: %v", err)
	}

	chat2, _ := s.GetChat(ctx, 2)
	chat2.Paused = true
	if err := s.UpdateChat(ctx, chat2); err != nil {
		t.Fatalf("pause chat 2: %v", err)
	}
	if err := s.SetWatchActive(ctx, inactive.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	due, err := s.ListDueWatches(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}

	want := []int64{neverChecked.ID, staleWatch.ID}
	got := make([]int64, len(due))
	for i, w := range due {
		got[i] = w.ID
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("due watches mismatch (-want +got):\n%s", diff)
	}
}

func TestSeenItemsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)
	w := mustWatch(t, s, 100, "https://a.example/seen")

	now := time.Now().UTC()
	if err := s.MarkSeen(ctx, w.ID, []string{"a", "b", "c"}, now); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	seen, err := s.SeenIDs(ctx, w.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := seen[id]; !ok {
			t.Errorf("missing seen id %q", id)
		}
	}
	if len(seen) != 3 {
		t.Errorf("seen count = %d, want 3", len(seen))
	}

	// Re-marking is idempotent.
	if err := s.MarkSeen(ctx, w.ID, []string{"b", "c", "d"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("second mark seen: %v", err)
	}
	seen, err = s.SeenIDs(ctx, w.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	if len(seen) != 4 {
		t.Errorf("seen count after re-mark = %d, want 4", len(seen))
	}
}

func TestSeenItemsPerWatchIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 1)
	mustChat(t, s, 2)

	// Two chats watching the identical URL keep independent ledgers.
	w1 := mustWatch(t, s, 1, "https://a.example/shared")
	w2 := mustWatch(t, s, 2, "https://a.example/shared")

	if err := s.MarkSeen(ctx, w1.ID, []string{"x", "y"}, time.Now().UTC()); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	seen2, err := s.SeenIDs(ctx, w2.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	if len(seen2) != 0 {
		t.Errorf("watch 2 ledger leaked %d entries from watch 1", len(seen2))
	}
}

func TestDeleteWatchResetsLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)
	w := mustWatch(t, s, 100, "https://a.example/reset")

	if err := s.MarkSeen(ctx, w.ID, []string{"a", "b"}, time.Now().UTC()); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := s.MarkWatchSeeded(ctx, w.ID); err != nil {
		t.Fatalf("mark seeded: %v", err)
	}
	if err := s.DeleteWatch(ctx, w.ID); err != nil {
		t.Fatalf("delete watch: %v", err)
	}
	if _, err := s.GetWatch(ctx, w.ID); err == nil {
		t.Errorf("deleted watch still exists")
	}

	// Re-adding starts from a fresh ledger and an unseeded baseline.
	w2 := mustWatch(t, s, 100, "https://a.example/reset")
	seen, err := s.SeenIDs(ctx, w2.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("re-added watch inherited %d ledger entries", len(seen))
	}
	got, err := s.GetWatch(ctx, w2.ID)
	if err != nil {
		t.Fatalf("get watch: %v", err)
	}
	if got.Seeded {
		t.Error("re-added watch inherited the seeded flag")
	}
}

func TestMarkWatchSeeded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)
	w := mustWatch(t, s, 100, "https://a.example/one")

	fresh, err := s.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("get watch: %v", err)
	}
	if fresh.Seeded {
		t.Fatal("new watch already seeded")
	}
	if err := s.MarkWatchSeeded(ctx, w.ID); err != nil {
		t.Fatalf("mark seeded: %v", err)
	}
	got, err := s.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("get watch: %v", err)
	}
	if !got.Seeded {
		t.Error("seeded flag not persisted")
	}
}

func TestTrimSeenEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)
	w := mustWatch(t, s, 100, "https://a.example/trim")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"oldest", "older", "newer", "newest"} {
		if err := s.MarkSeen(ctx, w.ID, []string{id}, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("mark seen %q: %v", id, err)
		}
	}

	if err := s.TrimSeen(ctx, w.ID, 2); err != nil {
		t.Fatalf("trim seen: %v", err)
	}

	seen, err := s.SeenIDs(ctx, w.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("seen count after trim = %d, want 2", len(seen))
	}
	for _, id := range []string{"newer", "newest"} {
		if _, ok := seen[id]; !ok {
			t.Errorf("trim evicted recent id %q", id)
		}
	}
}

func TestPruneSeenByAge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 100)
	w := mustWatch(t, s, 100, "https://a.example/prune")

	now := time.Now().UTC()
	if err := s.MarkSeen(ctx, w.ID, []string{"ancient"}, now.AddDate(0, 0, -60)); err != nil {
		t.Fatalf("mark ancient: %v", err)
	}
	if err := s.MarkSeen(ctx, w.ID, []string{"recent"}, now); err != nil {
		t.Fatalf("mark recent: %v", err)
	}

	n, err := s.PruneSeen(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("prune seen: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	seen, err := s.SeenIDs(ctx, w.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	if _, ok := seen["recent"]; !ok || len(seen) != 1 {
		t.Errorf("prune removed wrong rows: %v", seen)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustChat(t, s, 1)
	mustChat(t, s, 2)
	w := mustWatch(t, s, 1, "https://a.example/stats")
	if err := s.MarkSeen(ctx, w.ID, []string{"a", "b", "c"}, time.Now().UTC()); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	got, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Chats: 2, Watches: 1, SeenItems: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}
