/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeline resolves which entry of a tile timeline is active at a
// given instant and when that answer next changes.
//
// Selection is duration based: among all entries covering an instant, the
// one with the shortest validity wins, and an entry without validity (the
// default) only wins when nothing else covers the instant. Long-running
// background entries can therefore be overridden by shorter ones, which can
// themselves be overridden by even shorter nested entries.
package timeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Entry is one item of a timeline: an opaque payload and an optional
// validity window. A nil Validity marks the default entry.
type Entry struct {
	Payload  []byte        `json:"payload,omitempty"`
	Validity *TimeInterval `json:"validity,omitempty"`
}

// IsDefault reports whether the entry has no validity window.
func (e Entry) IsDefault() bool {
	return e.Validity == nil
}

// Timeline is an ordered sequence of entries. Order only matters for tie
// breaks and for the default fallback.
type Timeline []Entry

// Index answers point-in-time queries over an immutable timeline. It is safe
// for concurrent readers.
type Index struct {
	entries     []Entry
	fingerprint string
}

// Build validates tl and returns an index over a private copy of it.
func Build(tl Timeline) (*Index, error) {
	entries := make([]Entry, len(tl))
	for i, e := range tl {
		if e.Validity != nil {
			if err := e.Validity.Validate(); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			v := *e.Validity
			e.Validity = &v
		}
		if e.Payload != nil {
			e.Payload = append([]byte(nil), e.Payload...)
		}
		entries[i] = e
	}
	return &Index{entries: entries, fingerprint: fingerprint(entries)}, nil
}

// fingerprint hashes entry order, windows and payloads. Two indexes with the
// same fingerprint answer every query the same way.
func fingerprint(entries []Entry) string {
	h := sha256.New()
	var buf [8]byte
	for _, e := range entries {
		if e.Validity == nil {
			h.Write([]byte{0})
		} else {
			h.Write([]byte{1})
			binary.BigEndian.PutUint64(buf[:], e.Validity.StartMillis)
			h.Write(buf[:])
			binary.BigEndian.PutUint64(buf[:], e.Validity.EndMillis)
			h.Write(buf[:])
		}
		binary.BigEndian.PutUint64(buf[:], uint64(len(e.Payload)))
		h.Write(buf[:])
		h.Write(e.Payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MustBuild is Build for timelines known to be valid.
func MustBuild(tl Timeline) *Index {
	ix, err := Build(tl)
	if err != nil {
		panic(err)
	}
	return ix
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

// Fingerprint identifies the content of the index. A nil index has the
// fingerprint of an empty timeline.
func (ix *Index) Fingerprint() string {
	if ix == nil {
		return fingerprint(nil)
	}
	return ix.fingerprint
}

// Entry returns entry i. The payload must not be modified.
func (ix *Index) Entry(i int) Entry {
	return ix.entries[i]
}

// FindActiveEntry returns the index of the entry active at the given
// instant, or false when nothing covers it.
func (ix *Index) FindActiveEntry(at uint64) (int, bool) {
	if ix == nil {
		return -1, false
	}

	best := -1
	bestIsDefault := false
	var bestDuration uint64

	for i, e := range ix.entries {
		if e.Validity == nil {
			if best < 0 {
				best = i
				bestIsDefault = true
			}
			continue
		}
		if !e.Validity.Contains(at) {
			continue
		}
		d := e.Validity.Duration()
		if best < 0 || bestIsDefault || d < bestDuration {
			best = i
			bestIsDefault = false
			bestDuration = d
		}
	}

	return best, best >= 0
}

// FindClosestEntry returns the interval-bearing entry nearest to at, used
// when FindActiveEntry finds nothing. Entries in the future are ranked by how
// soon they start, entries in the past by how recently they ended. A timeline
// holding only default entries yields its first default.
func (ix *Index) FindClosestEntry(at uint64) (int, bool) {
	if ix == nil {
		return -1, false
	}

	best := -1
	firstDefault := -1
	var bestDistance uint64

	for i, e := range ix.entries {
		if e.Validity == nil {
			if firstDefault < 0 {
				firstDefault = i
			}
			continue
		}
		v := *e.Validity
		var distance uint64
		switch {
		case v.StartMillis > at:
			distance = v.StartMillis - at
		case at >= v.EndMillis:
			distance = at - v.EndMillis
		}
		if best < 0 || distance < bestDistance {
			best = i
			bestDistance = distance
		}
	}

	if best >= 0 {
		return best, true
	}
	if firstDefault >= 0 {
		return firstDefault, true
	}
	return -1, false
}

// FindExpiry returns the next instant after at when FindActiveEntry stops
// returning current, or Forever if that never happens. That is the earlier
// of current's own end and the start of any entry that cuts in before it:
// one that would beat current at its start. When current does not cover at
// (a closest-entry fallback, or -1 for none), any entry starting later
// changes the answer.
func (ix *Index) FindExpiry(current int, at uint64) uint64 {
	if ix == nil {
		return Forever
	}

	natural := Forever
	covering := false
	currentIsDefault := true
	var currentDuration uint64

	if current >= 0 && current < len(ix.entries) {
		if v := ix.entries[current].Validity; v == nil {
			covering = true
		} else {
			currentIsDefault = false
			currentDuration = v.Duration()
			covering = v.Contains(at)
			if v.EndMillis > at {
				natural = v.EndMillis
			}
		}
	}

	expiry := natural
	for i, e := range ix.entries {
		if e.Validity == nil || e.Validity.Empty() {
			continue
		}
		v := *e.Validity
		// Entries that started already were weighed by FindActiveEntry.
		if v.StartMillis <= at || v.StartMillis >= expiry {
			continue
		}
		if covering && !currentIsDefault {
			d := v.Duration()
			if d > currentDuration || (d == currentDuration && i > current) {
				continue
			}
		}
		expiry = v.StartMillis
	}

	return expiry
}

// Transition marks the instant a different entry becomes active. Index is -1
// for a span where nothing is active.
type Transition struct {
	AtMillis uint64 `json:"at_millis"`
	Index    int    `json:"index"`
}

// Transitions lists the active-entry sequence over [from, to). The first
// element always describes from itself.
func (ix *Index) Transitions(from, to uint64) []Transition {
	var out []Transition
	if from >= to {
		return out
	}

	last := -2
	at := from
	for step := 0; step <= 2*ix.Len()+1; step++ {
		idx, ok := ix.FindActiveEntry(at)
		if !ok {
			idx = -1
		}
		if idx != last {
			out = append(out, Transition{AtMillis: at, Index: idx})
			last = idx
		}

		next := ix.FindExpiry(idx, at)
		if next == Forever || next <= at || next >= to {
			break
		}
		at = next
	}

	return out
}
