package marketchat

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const localIDPrefix = "local-"

func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// messageStore holds the ordered message list of every conversation seen so
// far and the send-timeout timers of pending optimistic messages.
type messageStore struct {
	window time.Duration

	mu     sync.Mutex
	lists  map[int64][]Message
	loaded map[int64]bool
	timers map[string]clockwork.Timer
}

type reconcileResult struct {
	Message Message
	// Known is set when a message with the same server id was already listed.
	Known bool
	// ReplacedLocalID is the optimistic message the echo was merged into.
	ReplacedLocalID string
}

func newMessageStore(window time.Duration) *messageStore {
	return &messageStore{
		window: window,
		lists:  make(map[int64][]Message),
		loaded: make(map[int64]bool),
		timers: make(map[string]clockwork.Timer),
	}
}

// cached reports whether history was fetched for the conversation.
func (s *messageStore) cached(conversationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[conversationID]
}

func (s *messageStore) messages(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lists[conversationID])
}

func (s *messageStore) addOptimistic(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[m.ConversationID] = sortMessages(append(s.lists[m.ConversationID], m))
}

// arm attaches the send-timeout timer of an optimistic message.
func (s *messageStore) arm(localID string, t clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[localID] = t
}

func (s *messageStore) disarmLocked(localID string) {
	if t, ok := s.timers[localID]; ok {
		t.Stop()
		delete(s.timers, localID)
	}
}

// markFailed moves a still-sending optimistic message to Failed.
func (s *messageStore) markFailed(conversationID int64, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(localID)
	list := s.lists[conversationID]
	for i := range list {
		if list[i].LocalID == localID && list[i].Optimistic && list[i].Status == StatusSending {
			list[i].Status = StatusFailed
			return true
		}
	}
	return false
}

// takeFailed removes a Failed optimistic message and returns it.
func (s *messageStore) takeFailed(conversationID int64, localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	for i := range list {
		if list[i].LocalID == localID && list[i].Optimistic && list[i].Status == StatusFailed {
			m := list[i]
			s.lists[conversationID] = slices.Delete(list, i, i+1)
			return m, true
		}
	}
	return Message{}, false
}

func (s *messageStore) findFailed(conversationID int64, localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.lists[conversationID] {
		if m.LocalID == localID && m.Optimistic && m.Status == StatusFailed {
			return m, true
		}
	}
	return Message{}, false
}

// reconcile merges a server-confirmed message into its conversation: same
// server id, then the echoed client id, then the content+time heuristic,
// else append.
func (s *messageStore) reconcile(in Message, clientID string) reconcileResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[in.ConversationID]
	res := reconcileResult{}
	idx := slices.IndexFunc(list, func(m Message) bool { return m.ID == in.ID })
	if idx >= 0 {
		res.Known = true
	}
	if idx < 0 && clientID != "" {
		// an exact correlation also settles a message that already timed out
		idx = slices.IndexFunc(list, func(m Message) bool {
			return m.Optimistic && m.LocalID == clientID
		})
	}
	if idx < 0 {
		idx = s.matchLocked(list, in, nil)
	}

	if idx >= 0 {
		prev := list[idx]
		if prev.Optimistic {
			res.ReplacedLocalID = prev.LocalID
			in.LocalID = prev.LocalID
			s.disarmLocked(prev.LocalID)
		}
		if prev.Status.rank() > in.Status.rank() {
			in.Status = prev.Status
		}
		in.Optimistic = false
		list[idx] = in
	} else {
		list = append(list, in)
	}
	s.lists[in.ConversationID] = sortMessages(list)
	res.Message = in
	return res
}

// matchLocked returns the earliest still-sending optimistic message with the
// same content whose timestamp lies within the match window of in, skipping
// indexes in claimed.
func (s *messageStore) matchLocked(list []Message, in Message, claimed map[int]bool) int {
	for i, m := range list {
		if claimed[i] || !pending(m) || m.Content != in.Content {
			continue
		}
		if absDuration(m.Timestamp.Sub(in.Timestamp)) < s.window {
			return i
		}
	}
	return -1
}

// applyRead flips the listed messages to Read and returns how many changed.
func (s *messageStore) applyRead(conversationID int64, ids []int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.lists[conversationID]
	for i := range list {
		if list[i].ID != 0 && list[i].Status != StatusRead && slices.Contains(ids, list[i].ID) {
			list[i].Status = StatusRead
			n++
		}
	}
	return n
}

// markInboundRead flips every confirmed message not sent by self to Read.
func (s *messageStore) markInboundRead(conversationID, self int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	for i := range list {
		if list[i].ID != 0 && list[i].SenderID != self {
			list[i].Status = StatusRead
		}
	}
}

// deliverOwn upgrades self's confirmed messages loaded as Sent before self
// was known, matching the Delivered status history gives them.
func (s *messageStore) deliverOwn(self int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []int64
	for conv, list := range s.lists {
		hit := false
		for i := range list {
			if list[i].ID != 0 && list[i].SenderID == self && list[i].Status == StatusSent {
				list[i].Status = StatusDelivered
				hit = true
			}
		}
		if hit {
			touched = append(touched, conv)
		}
	}
	return touched
}

// unreadInbound returns the ids of confirmed, unread messages not sent by self.
func (s *messageStore) unreadInbound(conversationID, self int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, m := range s.lists[conversationID] {
		if m.ID != 0 && m.SenderID != self && m.Status != StatusRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// mergeHistory replaces the confirmed messages of a conversation with a
// server snapshot. Pending optimistic messages found in the snapshot are
// reconciled into it; the rest, and confirmed messages the snapshot lacks,
// are kept.
func (s *messageStore) mergeHistory(conversationID int64, snapshot []Message) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.lists[conversationID]
	merged := slices.Clone(snapshot)
	index := make(map[int64]int, len(merged))
	for i, m := range merged {
		index[m.ID] = i
	}
	known := make(map[int]bool)
	for _, m := range old {
		if i, ok := index[m.ID]; ok && m.ID != 0 {
			known[i] = true
			if m.Status == StatusRead {
				merged[i].Status = StatusRead
			}
			merged[i].LocalID = m.LocalID
		}
	}

	var replaced []string
	for _, m := range old {
		switch {
		case m.ID != 0:
			if _, ok := index[m.ID]; !ok {
				merged = append(merged, m)
			}
		case pending(m):
			if i := s.matchSnapshotLocked(merged, m, known); i >= 0 {
				known[i] = true
				merged[i].LocalID = m.LocalID
				s.disarmLocked(m.LocalID)
				replaced = append(replaced, m.LocalID)
				continue
			}
			merged = append(merged, m)
		default:
			merged = append(merged, m)
		}
	}

	s.lists[conversationID] = sortMessages(merged)
	s.loaded[conversationID] = true
	return replaced
}

func (s *messageStore) matchSnapshotLocked(snapshot []Message, opt Message, claimed map[int]bool) int {
	for i, m := range snapshot {
		if claimed[i] || m.Content != opt.Content {
			continue
		}
		if absDuration(m.Timestamp.Sub(opt.Timestamp)) < s.window {
			return i
		}
	}
	return -1
}

// stopTimers disarms every pending send timeout.
func (s *messageStore) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func pending(m Message) bool {
	return m.Optimistic && m.Status == StatusSending
}

// sortMessages orders by timestamp; the sort is stable so messages created in
// the same instant keep insertion order.
func sortMessages(list []Message) []Message {
	slices.SortStableFunc(list, func(a, b Message) int { return a.Timestamp.Compare(b.Timestamp) })
	return list
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
