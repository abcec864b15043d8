// Package listener keeps track of who is waiting for which message.
//
// Registry is the provider side: it maps a message identifier to the
// consumers subscribed to it or awaiting its reply. Local is the consumer
// side: it maps a message identifier to in-process callbacks and hands out
// tokens for later removal.
//
// Neither type is safe for concurrent use. Each is owned by the dispatch
// context of its engine.
package listener

import (
	"slices"

	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/wire"
)

// Entry is one registration of a consumer for a message.
type Entry struct {
	ID       msgid.ID
	Seq      wire.Seq
	Consumer wire.Address
}

// Registry maps message identifiers to listener entries.
// Each identifier holds a flat slice; subscriber counts are small.
type Registry struct {
	entries map[msgid.ID][]Entry
	count   int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[msgid.ID][]Entry)}
}

// Add registers e. It returns false if an entry for (e.ID, e.Consumer)
// already exists; the existing entry is left unchanged.
func (r *Registry) Add(e Entry) bool {
	if r.indexOf(e.ID, e.Consumer) >= 0 {
		return false
	}
	r.entries[e.ID] = append(r.entries[e.ID], e)
	r.count++
	return true
}

func (r *Registry) indexOf(id msgid.ID, consumer wire.Address) int {
	return slices.IndexFunc(r.entries[id], func(e Entry) bool {
		return e.Consumer.SameEndpoint(consumer)
	})
}

// Find returns the entry for (id, consumer).
func (r *Registry) Find(id msgid.ID, consumer wire.Address) (Entry, bool) {
	i := r.indexOf(id, consumer)
	if i < 0 {
		return Entry{}, false
	}
	return r.entries[id][i], true
}

// Has reports whether consumer has an entry for id.
func (r *Registry) Has(id msgid.ID, consumer wire.Address) bool {
	return r.indexOf(id, consumer) >= 0
}

// Remove deletes the entry for (id, consumer).
func (r *Registry) Remove(id msgid.ID, consumer wire.Address) bool {
	i := r.indexOf(id, consumer)
	if i < 0 {
		return false
	}
	r.deleteAt(id, i)
	return true
}

func (r *Registry) deleteAt(id msgid.ID, i int) {
	list := slices.Delete(r.entries[id], i, i+1)
	if len(list) == 0 {
		delete(r.entries, id)
	} else {
		r.entries[id] = list
	}
	r.count--
}

// RemoveAll deletes every entry of consumer and returns the identifiers
// that lost an entry, in ascending order.
func (r *Registry) RemoveAll(consumer wire.Address) []msgid.ID {
	var removed []msgid.ID
	for id := range r.entries {
		if i := r.indexOf(id, consumer); i >= 0 {
			r.deleteAt(id, i)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// Listeners returns a copy of the entries for id.
// An empty result for a request means nobody awaits the reply.
func (r *Registry) Listeners(id msgid.ID) []Entry {
	return slices.Clone(r.entries[id])
}

// Count returns the number of entries for id.
func (r *Registry) Count(id msgid.ID) int {
	return len(r.entries[id])
}

// Take removes and returns every entry for id.
func (r *Registry) Take(id msgid.ID) []Entry {
	list := r.entries[id]
	delete(r.entries, id)
	r.count -= len(list)
	return list
}

// IDs returns every identifier with at least one entry, in ascending order.
func (r *Registry) IDs() []msgid.ID {
	ids := make([]msgid.ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the total number of entries.
func (r *Registry) Len() int {
	return r.count
}

// Clear removes every entry.
func (r *Registry) Clear() {
	clear(r.entries)
	r.count = 0
}
