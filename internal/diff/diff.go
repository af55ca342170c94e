// Package diff computes which items of a snapshot are genuinely new for a
// watch. It is a pure function over the snapshot and the watch's seen-set;
// persistence of the result is the caller's job.
package diff

import "github.com/HamletDuFromage/vintelegram/internal/model"

// Result holds the outcome of diffing one snapshot.
type Result struct {
	// New lists the previously unseen items in snapshot order, truncated
	// by position to the caller's cap. Empty on the baseline pass.
	New []model.Item
	// SeenIDs lists every item ID of the snapshot, including ones beyond
	// the cap, so the whole snapshot is recorded as seen.
	SeenIDs []string
	// Seeded is true when this pass established the watch's baseline:
	// the snapshot seeds the seen-set and nothing is reported as new.
	Seeded bool
}

// Diff compares snapshot against seen and returns the new items.
//
// The watch's first successful poll (seeded=false) reports zero new items
// and records the full snapshot as the baseline; without this, adding a
// watch would flood the chat with the entire current listing. Whether the
// baseline exists is the caller's persisted state, not inferred from the
// seen-set: a watch whose searches came back empty so far has a baseline
// too, and the first item to appear for it must be reported. Snapshot
// order is preserved and never re-sorted, so with newest-first providers
// the cap keeps the newest entries.
func Diff(snapshot []model.Item, seen map[string]struct{}, limit int, seeded bool) Result {
	res := Result{SeenIDs: make([]string, 0, len(snapshot))}
	for _, item := range snapshot {
		res.SeenIDs = append(res.SeenIDs, item.ID)
	}

	if !seeded {
		res.Seeded = true
		return res
	}

	for _, item := range snapshot {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		if limit > 0 && len(res.New) >= limit {
			break
		}
		res.New = append(res.New, item)
	}
	return res
}
