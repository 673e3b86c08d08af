// Package view derives the display sequence from a store snapshot. It owns
// no state: every function is a pure function of its arguments.
package view

import (
	"sort"

	"parking-monitor/internal/domain/violation"
)

// Item is one row of the rendered list. Removing marks a record that no
// longer matches the filter and is waiting out its grace interval. Saving
// marks a record with a user mutation in flight.
type Item struct {
	violation.Violation
	Removing bool `json:"removing,omitempty"`
	Saving   bool `json:"saving,omitempty"`
}

// Less returns the ordering for a sort key. Unknown keys order by newest.
func Less(key violation.SortKey) func(a, b violation.Violation) bool {
	switch key {
	case violation.SortSeverity:
		return func(a, b violation.Violation) bool {
			return a.OccupancyPercentage > b.OccupancyPercentage
		}
	case violation.SortLotName:
		return func(a, b violation.Violation) bool {
			return a.LotName() < b.LotName()
		}
	default:
		return func(a, b violation.Violation) bool {
			return a.DetectedAt.After(b.DetectedAt)
		}
	}
}

// Sort orders records in place. Equal keys keep their current relative order.
func Sort(records []violation.Violation, key violation.SortKey) {
	less := Less(key)
	sort.SliceStable(records, func(i, j int) bool {
		return less(records[i], records[j])
	})
}

// Project returns the snapshot sorted for display. Membership is the
// store's: loads and push checks decide what is in records, so nothing is
// refiltered here. Records pending removal stay in the sequence, flagged,
// until the store evicts them.
func Project(records []violation.Violation, key violation.SortKey, removing, saving map[int64]bool) []Item {
	kept := append(make([]violation.Violation, 0, len(records)), records...)
	Sort(kept, key)

	items := make([]Item, len(kept))
	for i, r := range kept {
		items[i] = Item{
			Violation: r,
			Removing:  removing[r.ID],
			Saving:    saving[r.ID],
		}
	}
	return items
}

// IDs lists item ids in display order.
func IDs(items []Item) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
