package session

import (
	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/domain"
)

// ChangeList is the ordered set of handlers modified since the last flush.
// A handler appears at most once and keeps the position of its first
// modification.
type ChangeList struct {
	entries  []*domain.ValueHandler
	index    map[*domain.ValueHandler]struct{}
	flushing bool
	lateAdd  bool
}

// NewChangeList returns an empty ChangeList.
func NewChangeList() *ChangeList {
	return &ChangeList{index: make(map[*domain.ValueHandler]struct{})}
}

// Add appends h unless it is already listed. Adding while the list is being
// flushed is refused and makes that flush fail.
func (c *ChangeList) Add(h *domain.ValueHandler) bool {
	if c.flushing {
		c.lateAdd = true
		return false
	}
	if _, ok := c.index[h]; ok {
		return false
	}
	c.index[h] = struct{}{}
	c.entries = append(c.entries, h)
	return true
}

// Remove drops h from the list, keeping the order of the rest.
func (c *ChangeList) Remove(h *domain.ValueHandler) {
	if _, ok := c.index[h]; !ok {
		return
	}
	delete(c.index, h)
	for i, e := range c.entries {
		if e == h {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
}

func (c *ChangeList) Contains(h *domain.ValueHandler) bool {
	_, ok := c.index[h]
	return ok
}

func (c *ChangeList) Len() int { return len(c.entries) }

// Entries returns the handlers in first-modified order.
func (c *ChangeList) Entries() []*domain.ValueHandler {
	return append([]*domain.ValueHandler(nil), c.entries...)
}

// Clear empties the list.
func (c *ChangeList) Clear() {
	c.entries = nil
	c.index = make(map[*domain.ValueHandler]struct{})
}

// Flush calls fn for every entry in order. The list is cleared only when
// every call succeeded; on failure it is left as it was so the caller can
// abandon the transaction. Flush is not re-entrant.
func (c *ChangeList) Flush(fn func(h *domain.ValueHandler) error) error {
	if c.flushing {
		return dberror.Internal("Flush", dberror.ErrFlushReentry)
	}
	c.flushing = true
	c.lateAdd = false
	defer func() { c.flushing = false }()

	for _, h := range c.entries {
		if err := fn(h); err != nil {
			return err
		}
	}
	if c.lateAdd {
		return dberror.Internal("Flush", dberror.ErrFlushReentry)
	}
	c.Clear()
	return nil
}
