package personabot

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
)

// ConversationTurn is a single utterance in a channel's history.
// Immutable once appended.
type ConversationTurn struct {
	// Speaker is the display label for whoever spoke - a username, or a
	// persona name
	Speaker string `json:"speaker"`

	Text string `json:"text"`
}

func (t ConversationTurn) String() string {
	return fmt.Sprintf("%s: %s", t.Speaker, t.Text)
}

// HistoryBuffer tracks a bounded FIFO of recent conversation turns per
// channel key (a channel ID, or a DM key for direct messages). The
// channel map itself is LRU-bounded so long-lived processes don't
// accumulate history for every channel ever seen. Not persisted across
// restarts.
type HistoryBuffer struct {
	mu          sync.Mutex
	capacity    int
	maxChannels int
	channels    map[string]*channelHistory
	lru         *list.List
}

type channelHistory struct {
	key     string
	turns   []ConversationTurn
	lruElem *list.Element
}

// NewHistoryBuffer creates a buffer retaining up to capacity turns per
// channel, across at most maxChannels channels.
func NewHistoryBuffer(capacity int, maxChannels int) *HistoryBuffer {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if maxChannels <= 0 {
		maxChannels = DefaultHistoryMaxChannels
	}
	return &HistoryBuffer{
		capacity:    capacity,
		maxChannels: maxChannels,
		channels:    map[string]*channelHistory{},
		lru:         list.New(),
	}
}

// Capacity returns the per-channel turn limit.
func (h *HistoryBuffer) Capacity() int {
	return h.capacity
}

// Append records a turn for the channel, dropping the oldest turn first
// when the channel is at capacity. The channel entry is created lazily
// on first append; creating it may evict the least recently used
// channel's entire history when the channel bound is reached.
func (h *HistoryBuffer) Append(channelKey string, turn ConversationTurn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.touchLocked(channelKey)
	if len(ch.turns) >= h.capacity {
		drop := len(ch.turns) - h.capacity + 1
		ch.turns = append(ch.turns[:0], ch.turns[drop:]...)
	}
	ch.turns = append(ch.turns, turn)
}

// Snapshot returns a copy of the channel's history in conversation
// order. Callers never observe appends made after the snapshot was
// taken. An untracked channel yields an empty (non-nil) slice.
func (h *HistoryBuffer) Snapshot(channelKey string) []ConversationTurn {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[channelKey]
	if !ok {
		return []ConversationTurn{}
	}
	h.lru.MoveToFront(ch.lruElem)
	snapshot := make([]ConversationTurn, len(ch.turns))
	copy(snapshot, ch.turns)
	return snapshot
}

// Len returns the number of turns currently held for the channel.
func (h *HistoryBuffer) Len(channelKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[channelKey]
	if !ok {
		return 0
	}
	return len(ch.turns)
}

// ChannelCount returns the number of channels currently tracked.
func (h *HistoryBuffer) ChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Transcript renders the channel's history as ordered "speaker: text"
// lines, the form handed to the consolidation summarizer.
func (h *HistoryBuffer) Transcript(channelKey string) string {
	turns := h.Snapshot(channelKey)
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, turn.String())
	}
	return strings.Join(lines, "\n")
}

// touchLocked returns the channel entry, creating it (and evicting the
// least recently used channel if needed) when absent. Caller holds h.mu.
func (h *HistoryBuffer) touchLocked(channelKey string) *channelHistory {
	if ch, ok := h.channels[channelKey]; ok {
		h.lru.MoveToFront(ch.lruElem)
		return ch
	}

	if len(h.channels) >= h.maxChannels {
		oldest := h.lru.Back()
		if oldest != nil {
			evicted := oldest.Value.(*channelHistory)
			h.lru.Remove(oldest)
			delete(h.channels, evicted.key)
		}
	}

	ch := &channelHistory{
		key:   channelKey,
		turns: make([]ConversationTurn, 0, h.capacity),
	}
	ch.lruElem = h.lru.PushFront(ch)
	h.channels[channelKey] = ch
	return ch
}
