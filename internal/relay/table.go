package relay

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Entry is one registered forwarding endpoint
type Entry struct {
	Key          netip.AddrPort `json:"key"`
	Target       netip.AddrPort `json:"target"`
	Owner        string         `json:"owner"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Table maps registration keys (peer IP, declared port) to forwarding targets
type Table struct {
	mu      sync.RWMutex
	entries map[netip.AddrPort]Entry
}

// NewTable creates an empty endpoint table
func NewTable() *Table {
	return &Table{
		entries: make(map[netip.AddrPort]Entry),
	}
}

// Normalize strips IPv4-in-IPv6 mapping so keys compare equal across socket families
func Normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Register binds key to itself as the send target. Re-registering replaces the owner.
func (t *Table) Register(key netip.AddrPort, owner string) {
	key = Normalize(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key] = Entry{
		Key:          key,
		Target:       key,
		Owner:        owner,
		RegisteredAt: time.Now(),
	}
}

// UnregisterOwner removes every entry registered by owner and returns how many went
func (t *Table) UnregisterOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if e.Owner == owner {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Targets snapshots the send targets. When exclude is valid, the entry whose
// key equals it is left out.
func (t *Table) Targets(exclude netip.AddrPort) []netip.AddrPort {
	exclude = Normalize(exclude)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]netip.AddrPort, 0, len(t.entries))
	for key, e := range t.entries {
		if exclude.IsValid() && key == exclude {
			continue
		}
		out = append(out, e.Target)
	}
	return out
}

// Len returns the number of entries
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns all entries ordered by registration time
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
