package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// RoomState is the per-room lifecycle of the reconciliation cache.
type RoomState int

const (
	StateClosed RoomState = iota
	StateHistoryLoaded
	StateLive
	StateResyncing
)

func (s RoomState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHistoryLoaded:
		return "HISTORY_LOADED"
	case StateLive:
		return "LIVE"
	case StateResyncing:
		return "RESYNCING"
	}
	return fmt.Sprintf("RoomState(%d)", int(s))
}

// RoomCache merges paginated history with the live push stream into one
// ordered, deduplicated message list per room. Pushes that race a resync
// are buffered and merged after the resync page, never before, so a
// reconnect can't interleave missed history with fresh pushes.
type RoomCache struct {
	mu sync.Mutex

	roomID string
	hist   History

	state    RoomState
	messages []Message // ordered by (CreatedAt, ID)
	present  map[string]bool
	lastSeen string
	buffered []Message // pushes held while resyncing
}

// NewRoomCache creates a cache for one room in CLOSED state.
func NewRoomCache(roomID string, hist History) *RoomCache {
	return &RoomCache{
		roomID:  roomID,
		hist:    hist,
		state:   StateClosed,
		present: make(map[string]bool),
	}
}

// Open seeds the cache from history, paging until exhaustion, and moves
// to HISTORY_LOADED. An empty room is simply an empty list.
func (c *RoomCache) Open(ctx context.Context, pageSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadAll(ctx, pageSize); err != nil {
		return err
	}
	c.state = StateHistoryLoaded
	return nil
}

// Live marks the room as subscribed; pushes are merged immediately from here on.
func (c *RoomCache) Live() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHistoryLoaded || c.state == StateResyncing {
		c.state = StateLive
	}
}

// Push feeds one pushed message into the cache. Duplicates are ignored;
// out-of-order arrivals are inserted at their sorted position.
func (c *RoomCache) Push(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateResyncing:
		c.buffered = append(c.buffered, m)
	case StateLive, StateHistoryLoaded:
		c.merge(m)
	default:
		// pushes before Open are a protocol violation; drop them
	}
}

// Resync handles a transport-level reconnect: fetch everything missed
// since the last seen message, merge it, then merge pushes buffered during
// the fetch, and only then return to LIVE. If the server no longer knows
// the anchor, fall back to a full history reload.
func (c *RoomCache) Resync(ctx context.Context, pageSize int) error {
	c.mu.Lock()
	c.state = StateResyncing
	anchor := c.lastSeen
	c.mu.Unlock()

	var page []Message
	var err error
	if anchor != "" {
		page, err = c.hist.ListSince(ctx, c.roomID, anchor)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if anchor == "" || errors.Is(err, ErrStaleSince) {
		if reloadErr := c.reload(ctx, pageSize); reloadErr != nil {
			// reload cleared the anchor, so the retry repeats the full
			// fetch; keep the buffer so nothing pushed meanwhile is lost
			return reloadErr
		}
	} else if err != nil {
		// transient fetch failure: keep the buffer, stay RESYNCING, retry later
		return err
	} else {
		for _, m := range page {
			c.merge(m)
		}
	}

	for _, m := range c.buffered {
		c.merge(m)
	}
	c.buffered = nil
	c.state = StateLive
	return nil
}

// Messages returns a copy of the ordered message list.
func (c *RoomCache) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastSeenID returns the id of the newest message in the cache.
func (c *RoomCache) LastSeenID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// State returns the current room state.
func (c *RoomCache) State() RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// merge inserts one message at its sorted (CreatedAt, ID) position,
// dropping duplicates. Callers hold c.mu.
func (c *RoomCache) merge(m Message) {
	if c.present[m.ID] {
		return
	}
	c.present[m.ID] = true
	idx := sort.Search(len(c.messages), func(i int) bool {
		return less(m, c.messages[i])
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = m
	c.lastSeen = c.messages[len(c.messages)-1].ID
}

func (c *RoomCache) loadAll(ctx context.Context, pageSize int) error {
	cursor := ""
	for {
		page, next, err := c.hist.List(ctx, c.roomID, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, m := range page {
			c.merge(m)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (c *RoomCache) reload(ctx context.Context, pageSize int) error {
	c.messages = nil
	c.present = make(map[string]bool)
	c.lastSeen = ""
	return c.loadAll(ctx, pageSize)
}

func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
