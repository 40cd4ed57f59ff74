package refs

import (
	"sort"

	"nostr-relaypool/internal/types"
)

// EventRefKind is the structural role of an "e" tag.
type EventRefKind int

const (
	ThreadID EventRefKind = iota + 1
	Reply
	ReplyToRoot
	MentionRef
)

func (k EventRefKind) String() string {
	switch k {
	case ThreadID:
		return "thread_id"
	case Reply:
		return "reply"
	case ReplyToRoot:
		return "reply_to_root"
	case MentionRef:
		return "mention"
	}
	return "unknown"
}

// EventRef is one resolved reference. Mention is set only for MentionRef.
type EventRef struct {
	Kind    EventRefKind
	Ref     Reference
	Mention *Mention
}

// Resolve parses the event's content and interprets its tags.
func Resolve(evt types.Event) []EventRef {
	return InterpretEventRefs(evt.Tags, ParseBlocks(evt.Content, evt.Tags))
}

// InterpretEventRefs classifies the "e" tags of an event.
//
// Tags referenced by an inline event mention, or marked "mention", become
// mention refs and take no part in thread inference. The rest are read by
// NIP-10 markers when any of them carries a "root" or "reply" marker,
// otherwise by position: a single tag is reply_to_root, and with several the
// first is thread_id and every later one is reply. Mentions are appended
// after, in tag order.
func InterpretEventRefs(tags [][]string, blocks []Block) []EventRef {
	mentioned := make(map[int]*Mention)
	for _, b := range blocks {
		if b.Kind == BlockMention && b.Mention.Type == MentionEvent {
			mentioned[b.Mention.Index] = b.Mention
		}
	}

	type positional struct {
		index  int
		ref    Reference
		marker string
	}
	var candidates []positional
	hasMarkers := false
	for i, tag := range tags {
		if len(tag) == 0 || tag[0] != "e" {
			continue
		}
		if _, ok := mentioned[i]; ok {
			continue
		}
		ref, ok := referenceFromTag(tag)
		if !ok {
			continue
		}
		p := positional{index: i, ref: ref}
		if len(tag) > 3 {
			p.marker = tag[3]
		}
		switch p.marker {
		case "mention":
			mentioned[i] = &Mention{Index: i, Type: MentionEvent, Ref: ref}
			continue
		case "root", "reply":
			hasMarkers = true
		}
		candidates = append(candidates, p)
	}

	var out []EventRef
	if hasMarkers {
		var root, reply *positional
		for i := range candidates {
			c := &candidates[i]
			switch c.marker {
			case "root":
				if root == nil {
					root = c
				}
			case "reply":
				reply = c
			}
		}
		switch {
		case root != nil && reply != nil:
			out = append(out, EventRef{Kind: ThreadID, Ref: root.ref}, EventRef{Kind: Reply, Ref: reply.ref})
		case root != nil:
			out = append(out, EventRef{Kind: ReplyToRoot, Ref: root.ref})
		case reply != nil:
			out = append(out, EventRef{Kind: ReplyToRoot, Ref: reply.ref})
		}
	} else {
		switch len(candidates) {
		case 0:
		case 1:
			out = append(out, EventRef{Kind: ReplyToRoot, Ref: candidates[0].ref})
		default:
			out = append(out, EventRef{Kind: ThreadID, Ref: candidates[0].ref})
			for _, c := range candidates[1:] {
				out = append(out, EventRef{Kind: Reply, Ref: c.ref})
			}
		}
	}

	indices := make([]int, 0, len(mentioned))
	for i := range mentioned {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		m := mentioned[i]
		out = append(out, EventRef{Kind: MentionRef, Ref: m.Ref, Mention: m})
	}
	return out
}

// Thread returns the thread root and the direct reply target. With a single
// reply_to_root reference both are the same event.
func Thread(refs []EventRef) (root, reply Reference, ok bool) {
	for _, r := range refs {
		switch r.Kind {
		case ReplyToRoot:
			return r.Ref, r.Ref, true
		case ThreadID:
			root, ok = r.Ref, true
			reply = r.Ref
		case Reply:
			reply = r.Ref
		}
	}
	return root, reply, ok
}

// Mentions returns the mention refs.
func Mentions(refs []EventRef) []EventRef {
	var out []EventRef
	for _, r := range refs {
		if r.Kind == MentionRef {
			out = append(out, r)
		}
	}
	return out
}
