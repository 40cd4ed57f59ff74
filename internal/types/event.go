// Package types provides shared type definitions used across internal packages.
package types

import "strings"

// Event represents a Nostr event (NIP-01). Events are immutable once signed;
// the ID is derived from the serialized content and is the dedup key everywhere.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValues returns the second element of every tag with the given key, in order.
func (e *Event) TagValues(key string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			out = append(out, tag[1])
		}
	}
	return out
}

// Filter represents a Nostr subscription filter (NIP-01).
// The json names of the tag filters ("#e", "#p", "#t") are a fixed wire
// contract shared with every relay and must not change.
type Filter struct {
	IDs           []string `json:"ids,omitempty"`
	Kinds         []int    `json:"kinds,omitempty"`
	ReferencedIDs []string `json:"#e,omitempty"` // referenced event ids
	PubKeys       []string `json:"#p,omitempty"` // referenced authors
	Hashtags      []string `json:"#t,omitempty"`
	Since         *int64   `json:"since,omitempty"`
	Until         *int64   `json:"until,omitempty"`
	Authors       []string `json:"authors,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Search        string   `json:"search,omitempty"` // NIP-50 search query
}

// WithSince returns a copy of the filter resuming from the given timestamp.
func (f Filter) WithSince(since int64) Filter {
	f.Since = &since
	return f
}

// WithUntil returns a copy of the filter bounded by the given timestamp.
func (f Filter) WithUntil(until int64) Filter {
	f.Until = &until
	return f
}

// Matches reports whether the event satisfies every populated field of the filter.
// Limit is a relay-side concern and is ignored. Search is approximated with a
// case-insensitive substring match on content.
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	if len(f.ReferencedIDs) > 0 && !anyTagIn(e.Tags, "e", f.ReferencedIDs) {
		return false
	}
	if len(f.PubKeys) > 0 && !anyTagIn(e.Tags, "p", f.PubKeys) {
		return false
	}
	if len(f.Hashtags) > 0 && !anyTagIn(e.Tags, "t", f.Hashtags) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func anyTagIn(tags [][]string, key string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func containsInt(xs []int, n int) bool {
	for _, x := range xs {
		if x == n {
			return true
		}
	}
	return false
}
