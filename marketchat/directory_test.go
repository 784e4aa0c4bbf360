package marketchat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryListSortedByUpdatedAt(t *testing.T) {
	d := newDirectory()
	d.replace([]Conversation{
		{ID: 1, UpdatedAt: t0},
		{ID: 2, UpdatedAt: t0.Add(time.Hour)},
		{ID: 3, UpdatedAt: t0.Add(time.Minute)},
	})
	d.addProvisional(Conversation{CounterpartyID: 8, ListingID: 4, UpdatedAt: t0.Add(30 * time.Minute)})

	var ids []int64
	for _, c := range d.list() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []int64{2, 0, 3, 1}, ids)
}

func TestDirectoryLandedAndUnread(t *testing.T) {
	d := newDirectory()
	d.replace([]Conversation{{ID: 1, UnreadCount: 3}, {ID: 2}})

	now := t0.Add(time.Hour)
	require.True(t, d.landed(Message{ID: 10, ConversationID: 1}, true, now))
	assert.False(t, d.landed(Message{ID: 11, ConversationID: 5}, true, now), "unknown conversations are not stubbed")
	assert.False(t, d.has(5))

	c, ok := d.get(1)
	require.True(t, ok)
	assert.Equal(t, 4, c.UnreadCount)
	assert.Equal(t, now, c.UpdatedAt)
	assert.Equal(t, int64(10), c.LatestMessage.ID)

	d.landed(Message{ID: 12, ConversationID: 2}, false, now)
	assert.Equal(t, 4, d.unreadTotal())

	assert.True(t, d.resetUnread(1))
	assert.False(t, d.resetUnread(1))
	assert.Zero(t, d.unreadTotal())
}

func TestDirectoryGetReturnsCopies(t *testing.T) {
	d := newDirectory()
	d.replace([]Conversation{{ID: 1}})
	d.landed(Message{ID: 10, ConversationID: 1, Content: "a"}, false, t0)

	c, _ := d.get(1)
	c.LatestMessage.Content = "changed"
	c.UnreadCount = 9

	again, _ := d.get(1)
	assert.Equal(t, "a", again.LatestMessage.Content)
	assert.Zero(t, again.UnreadCount)
}

func TestDirectoryPromotesProvisional(t *testing.T) {
	d := newDirectory()
	d.addProvisional(Conversation{CounterpartyID: 11, ListingID: 55})
	d.addProvisional(Conversation{CounterpartyID: 11, ListingID: 56})

	promoted := d.replace([]Conversation{{ID: 77, CounterpartyID: 11, ListingID: 55}})
	require.Len(t, promoted, 1)
	assert.Equal(t, int64(77), promoted[0].id)
	assert.Equal(t, pairKey{Counterparty: 11, Listing: 55}, promoted[0].key)

	_, ok := d.provisionalFor(pairKey{Counterparty: 11, Listing: 55})
	assert.False(t, ok)
	_, ok = d.provisionalFor(pairKey{Counterparty: 11, Listing: 56})
	assert.True(t, ok)
	assert.Len(t, d.list(), 2)

	found, ok := d.find(pairKey{Counterparty: 11, Listing: 55})
	require.True(t, ok)
	assert.Equal(t, int64(77), found.ID)
}

func TestDirectoryRebase(t *testing.T) {
	d := newDirectory()
	d.replace([]Conversation{
		{ID: 1, SellerID: selfID, BuyerID: buyerID, CounterpartyID: selfID, CounterpartyName: fallbackName(selfID)},
		{ID: 2, SellerID: 4, BuyerID: selfID, CounterpartyID: 4, CounterpartyName: "dealer"},
	})
	d.addProvisional(Conversation{CounterpartyID: 4, SellerID: 4, ListingID: 8})

	require.True(t, d.rebase(selfID))
	c, _ := d.get(1)
	assert.Equal(t, int64(buyerID), c.CounterpartyID)
	assert.Equal(t, fallbackName(buyerID), c.CounterpartyName)
	assert.Equal(t, int64(buyerID), c.receiverFor(selfID))

	c, _ = d.get(2)
	assert.Equal(t, int64(4), c.CounterpartyID)
	assert.Equal(t, "dealer", c.CounterpartyName)

	p, ok := d.provisionalFor(pairKey{Counterparty: 4, Listing: 8})
	require.True(t, ok)
	assert.Equal(t, int64(selfID), p.BuyerID)

	assert.False(t, d.rebase(selfID), "already rebased")
}

func TestReceiverForPrefersParticipants(t *testing.T) {
	c := Conversation{SellerID: selfID, BuyerID: buyerID, CounterpartyID: selfID}
	assert.Equal(t, int64(buyerID), c.receiverFor(selfID))
	assert.Equal(t, int64(selfID), c.receiverFor(0))
	assert.Equal(t, int64(selfID), c.receiverFor(buyerID))
}
