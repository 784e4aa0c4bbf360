package marketchat

import (
	"slices"
	"sync"
)

// tabSet tracks the conversations the user has open and which one is focused.
// A provisional conversation is focused by its counterparty/listing pair.
type tabSet struct {
	mu          sync.Mutex
	open        []int64 // in opening order
	current     int64
	pending     *pairKey
	lastCurrent int64
}

func (t *tabSet) add(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.open, id) {
		return false
	}
	t.open = append(t.open, id)
	return true
}

// remove closes a tab. Closing the focused tab clears the focus.
func (t *tabSet) remove(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.Index(t.open, id)
	if i < 0 {
		return false
	}
	t.open = slices.Delete(t.open, i, i+1)
	if t.current == id {
		t.current = 0
	}
	if t.lastCurrent == id {
		t.lastCurrent = 0
	}
	return true
}

func (t *tabSet) isOpen(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Contains(t.open, id)
}

func (t *tabSet) members() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.open)
}

// focus sets the focused conversation; 0 blurs.
func (t *tabSet) focus(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = id
	t.pending = nil
	if id != 0 {
		t.lastCurrent = id
	}
}

func (t *tabSet) focusPending(key pairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = 0
	t.pending = &key
}

// promote hands focus from a provisional record to its confirmed
// conversation and opens it. It reports whether key was focused.
func (t *tabSet) promote(key pairKey, id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil || *t.pending != key {
		return false
	}
	t.pending = nil
	t.current = id
	t.lastCurrent = id
	if !slices.Contains(t.open, id) {
		t.open = append(t.open, id)
	}
	return true
}

func (t *tabSet) focused() (int64, *pairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		k := *t.pending
		return 0, &k
	}
	return t.current, nil
}

// restoreFocus re-focuses the last focused conversation when nothing is
// focused and that conversation is still open.
func (t *tabSet) restoreFocus() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != 0 || t.pending != nil || t.lastCurrent == 0 {
		return false
	}
	if !slices.Contains(t.open, t.lastCurrent) {
		return false
	}
	t.current = t.lastCurrent
	return true
}
