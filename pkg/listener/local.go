package listener

import (
	"slices"

	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/wire"
)

// Token identifies a local registration. The zero Token is never issued.
type Token uint64

// LocalEntry is one in-process callback registration.
type LocalEntry[F any] struct {
	Token Token
	ID    msgid.ID
	Seq   wire.Seq
	Fn    F
}

// OneShot reports whether the entry is removed after its first delivery.
func (e LocalEntry[F]) OneShot() bool {
	return e.Seq != wire.SeqAny
}

// Local is the consumer-side list of callbacks keyed by message identifier.
// Entries with wire.SeqAny are standing subscriptions; entries with an exact
// sequence number await one specific call.
type Local[F any] struct {
	entries map[msgid.ID][]LocalEntry[F]
	next    Token
}

// NewLocal creates an empty list.
func NewLocal[F any]() *Local[F] {
	return &Local[F]{entries: make(map[msgid.ID][]LocalEntry[F])}
}

// Add registers fn for (id, seq) and returns its token.
func (l *Local[F]) Add(id msgid.ID, seq wire.Seq, fn F) Token {
	l.next++
	l.entries[id] = append(l.entries[id], LocalEntry[F]{Token: l.next, ID: id, Seq: seq, Fn: fn})
	return l.next
}

// Remove deletes the entry with token tok.
func (l *Local[F]) Remove(tok Token) (LocalEntry[F], bool) {
	for id, list := range l.entries {
		i := slices.IndexFunc(list, func(e LocalEntry[F]) bool { return e.Token == tok })
		if i < 0 {
			continue
		}
		e := list[i]
		l.deleteAt(id, i)
		return e, true
	}
	return LocalEntry[F]{}, false
}

func (l *Local[F]) deleteAt(id msgid.ID, i int) {
	list := slices.Delete(l.entries[id], i, i+1)
	if len(list) == 0 {
		delete(l.entries, id)
	} else {
		l.entries[id] = list
	}
}

// Match returns the entries for id that accept seq.
func (l *Local[F]) Match(id msgid.ID, seq wire.Seq) []LocalEntry[F] {
	var out []LocalEntry[F]
	for _, e := range l.entries[id] {
		if e.Seq.Matches(seq) {
			out = append(out, e)
		}
	}
	return out
}

// Deliver calls fn once for every entry matching (id, seq). One-shot
// entries are removed before fn runs, so a callback may register again.
// A standing entry removed by an earlier callback of the same delivery is
// skipped. It returns the number of entries delivered to.
func (l *Local[F]) Deliver(id msgid.ID, seq wire.Seq, fn func(LocalEntry[F])) int {
	matched := l.Match(id, seq)
	for _, e := range matched {
		if e.OneShot() {
			l.Remove(e.Token)
		}
	}
	n := 0
	for _, e := range matched {
		if !e.OneShot() && !l.has(id, e.Token) {
			continue
		}
		fn(e)
		n++
	}
	return n
}

func (l *Local[F]) has(id msgid.ID, tok Token) bool {
	return slices.ContainsFunc(l.entries[id], func(e LocalEntry[F]) bool { return e.Token == tok })
}

// Count returns the number of entries for id.
func (l *Local[F]) Count(id msgid.ID) int {
	return len(l.entries[id])
}

// Len returns the total number of entries.
func (l *Local[F]) Len() int {
	n := 0
	for _, list := range l.entries {
		n += len(list)
	}
	return n
}

// Entries returns every entry, ordered by token.
func (l *Local[F]) Entries() []LocalEntry[F] {
	var out []LocalEntry[F]
	for _, list := range l.entries {
		out = append(out, list...)
	}
	slices.SortFunc(out, func(a, b LocalEntry[F]) int {
		switch {
		case a.Token < b.Token:
			return -1
		case a.Token > b.Token:
			return 1
		}
		return 0
	})
	return out
}

// Take removes and returns every entry for id.
func (l *Local[F]) Take(id msgid.ID) []LocalEntry[F] {
	list := l.entries[id]
	delete(l.entries, id)
	return list
}

// Clear removes every entry.
func (l *Local[F]) Clear() {
	clear(l.entries)
}
