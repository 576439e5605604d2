package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const slotLayout = "15:04"

// DefaultTimeSlots is the daily catalog offered when none is configured.
var DefaultTimeSlots = []string{"09:00", "10:00", "11:00", "12:00", "13:00", "14:00", "15:00", "16:00"}

// Catalog is the fixed, ordered set of bookable time slots in a provider's day.
type Catalog struct {
	slots []string
	index map[string]int
}

func NewCatalog(slots []string) (Catalog, error) {
	if len(slots) == 0 {
		return Catalog{}, errors.New("catalog must contain at least one time slot")
	}

	normalized := make([]string, 0, len(slots))
	seen := make(map[string]struct{}, len(slots))
	for _, raw := range slots {
		s := strings.TrimSpace(raw)
		if _, err := time.Parse(slotLayout, s); err != nil || len(s) != len(slotLayout) {
			return Catalog{}, fmt.Errorf("invalid time slot %q: want HH:MM", raw)
		}
		if _, ok := seen[s]; ok {
			return Catalog{}, fmt.Errorf("duplicate time slot %q", s)
		}
		seen[s] = struct{}{}
		normalized = append(normalized, s)
	}
	sort.Strings(normalized)

	index := make(map[string]int, len(normalized))
	for i, s := range normalized {
		index[s] = i
	}
	return Catalog{slots: normalized, index: index}, nil
}

func DefaultCatalog() Catalog {
	c, err := NewCatalog(DefaultTimeSlots)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Catalog) Contains(slot string) bool {
	_, ok := c.index[slot]
	return ok
}

func (c Catalog) Len() int {
	return len(c.slots)
}

func (c Catalog) Slots() []string {
	out := make([]string, len(c.slots))
	copy(out, c.slots)
	return out
}

// Without returns the catalog slots not present in occupied, in catalog order.
// Occupied slots that are not in the catalog are ignored.
func (c Catalog) Without(occupied []string) []string {
	taken := make(map[string]struct{}, len(occupied))
	for _, s := range occupied {
		taken[s] = struct{}{}
	}
	out := make([]string, 0, len(c.slots))
	for _, s := range c.slots {
		if _, ok := taken[s]; ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

// SlotKey derives the reservation key for a provider's time slot on a given day,
// e.g. "p1_20240601_0900". The date and slot parts have a fixed width, so the key
// stays unambiguous even when providerID itself contains underscores.
func SlotKey(providerID string, date Date, timeSlot string) string {
	return providerID + "_" + date.Compact() + "_" + strings.ReplaceAll(timeSlot, ":", "")
}

// ParseSlotKey is the inverse of SlotKey.
func ParseSlotKey(key string) (providerID string, date Date, timeSlot string, err error) {
	// provider + "_" + 8 digit date + "_" + 4 digit slot
	const suffixLen = 1 + 8 + 1 + 4
	if len(key) <= suffixLen {
		return "", Date{}, "", fmt.Errorf("invalid slot key %q", key)
	}
	suffix := key[len(key)-suffixLen:]
	if suffix[0] != '_' || suffix[9] != '_' {
		return "", Date{}, "", fmt.Errorf("invalid slot key %q", key)
	}

	t, perr := time.Parse(compactDateLayout, suffix[1:9])
	if perr != nil {
		return "", Date{}, "", fmt.Errorf("invalid slot key %q: bad date", key)
	}
	slot := suffix[10:12] + ":" + suffix[12:14]
	if _, perr := time.Parse(slotLayout, slot); perr != nil {
		return "", Date{}, "", fmt.Errorf("invalid slot key %q: bad time slot", key)
	}
	return key[:len(key)-suffixLen], DateOf(t), slot, nil
}
