package ledger

import (
	"encoding/json"
	"fmt"
)

// Consumed is the ordered set of candidate IDs that have ever been submitted.
// It only grows. The JSON form is a plain list of identifiers.
type Consumed struct {
	ids  []string
	seen map[string]struct{}
}

// NewConsumed builds a set from ids, dropping duplicates.
func NewConsumed(ids ...string) Consumed {
	var c Consumed
	c.Add(ids...)
	return c
}

// Add records ids and returns how many were new.
func (c *Consumed) Add(ids ...string) int {
	if c.seen == nil {
		c.seen = make(map[string]struct{}, len(ids))
	}
	added := 0
	for _, id := range ids {
		if _, ok := c.seen[id]; ok {
			continue
		}
		c.seen[id] = struct{}{}
		c.ids = append(c.ids, id)
		added++
	}
	return added
}

// Contains reports whether id has been consumed.
func (c Consumed) Contains(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// Len returns the number of consumed IDs.
func (c Consumed) Len() int {
	return len(c.ids)
}

// IDs returns a copy of the consumed identifiers in submission order.
func (c Consumed) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// MarshalJSON writes the identifiers as a list.
func (c Consumed) MarshalJSON() ([]byte, error) {
	ids := c.ids
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON reads a list of identifiers.
func (c *Consumed) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("ledger: decode consumed candidates: %w", err)
	}
	*c = NewConsumed(ids...)
	return nil
}
