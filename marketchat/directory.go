package marketchat

import (
	"slices"
	"sync"
	"time"
)

// pairKey identifies a conversation before the server assigns it an id.
type pairKey struct {
	Counterparty int64
	Listing      int64
}

func (c Conversation) pair() pairKey {
	return pairKey{Counterparty: c.CounterpartyID, Listing: c.ListingID}
}

type promotion struct {
	key pairKey
	id  int64
}

// directory is the set of known conversations plus provisional records
// created by StartConversation and not yet confirmed.
type directory struct {
	mu          sync.Mutex
	convs       map[int64]*Conversation
	provisional []Conversation
}

func newDirectory() *directory {
	return &directory{convs: make(map[int64]*Conversation)}
}

// replace swaps in a freshly loaded set and promotes provisional records
// whose counterparty and listing now match a confirmed conversation.
func (d *directory) replace(list []Conversation) []promotion {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.convs = make(map[int64]*Conversation, len(list))
	byPair := make(map[pairKey]int64, len(list))
	for i := range list {
		c := list[i].clone()
		d.convs[c.ID] = &c
		byPair[c.pair()] = c.ID
	}

	var promoted []promotion
	kept := d.provisional[:0]
	for _, p := range d.provisional {
		if id, ok := byPair[p.pair()]; ok {
			promoted = append(promoted, promotion{key: p.pair(), id: id})
			continue
		}
		kept = append(kept, p)
	}
	d.provisional = kept
	return promoted
}

func (d *directory) get(id int64) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

func (d *directory) has(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.convs[id]
	return ok
}

// find returns the confirmed conversation with counterparty and listing.
func (d *directory) find(key pairKey) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.convs {
		if c.pair() == key {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

func (d *directory) addProvisional(c Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.provisional {
		if p.pair() == c.pair() {
			d.provisional[i] = c
			return
		}
	}
	d.provisional = append(d.provisional, c)
}

func (d *directory) provisionalFor(key pairKey) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.provisional {
		if p.pair() == key {
			return p.clone(), true
		}
	}
	return Conversation{}, false
}

// list returns confirmed and provisional conversations, most recently
// updated first.
func (d *directory) list() []Conversation {
	d.mu.Lock()
	out := make([]Conversation, 0, len(d.convs)+len(d.provisional))
	for _, c := range d.convs {
		out = append(out, c.clone())
	}
	for _, p := range d.provisional {
		out = append(out, p.clone())
	}
	d.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		// map iteration is random; keep equal timestamps deterministic
		return compareInt64(b.ID, a.ID)
	})
	return out
}

// landed records a message arriving in a known conversation. It returns false
// when the conversation is unknown.
func (d *directory) landed(m Message, countUnread bool, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[m.ConversationID]
	if !ok {
		return false
	}
	latest := m
	c.LatestMessage = &latest
	c.UpdatedAt = now
	if countUnread {
		c.UnreadCount++
	}
	return true
}

func (d *directory) resetUnread(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

// rebase recomputes counterparties once the local user id is learned.
// Conversations loaded earlier had the seller as counterparty.
func (d *directory) rebase(self int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	for _, c := range d.convs {
		other := c.otherThan(self)
		if other == 0 || other == c.CounterpartyID {
			continue
		}
		if c.CounterpartyName == fallbackName(c.CounterpartyID) {
			c.CounterpartyName = fallbackName(other)
		}
		c.CounterpartyID = other
		changed = true
	}
	for i := range d.provisional {
		if d.provisional[i].BuyerID == 0 {
			d.provisional[i].BuyerID = self
			changed = true
		}
	}
	return changed
}

// deliverOwn upgrades self's latest messages that were loaded as Sent
// before self was known.
func (d *directory) deliverOwn(self int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.convs {
		if m := c.LatestMessage; m != nil && m.SenderID == self && m.Status == StatusSent && !m.Optimistic {
			m.Status = StatusDelivered
		}
	}
}

func (d *directory) unread(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.convs[id]; ok {
		return c.UnreadCount
	}
	return 0
}

func (d *directory) unreadTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, c := range d.convs {
		total += c.UnreadCount
	}
	return total
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
