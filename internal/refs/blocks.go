// Package refs turns an event's tags and content into typed references:
// thread root, reply target, and inline mentions.
package refs

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reference is one tag read as a link to another event or author.
type Reference struct {
	RefID     string
	RelayHint string
	Key       string
}

// referenceFromTag reads ["<key>", "<id>", "<relay hint>", ...].
func referenceFromTag(tag []string) (Reference, bool) {
	if len(tag) < 2 || tag[1] == "" {
		return Reference{}, false
	}
	ref := Reference{Key: tag[0], RefID: tag[1]}
	if len(tag) > 2 {
		ref.RelayHint = tag[2]
	}
	return ref, true
}

// MentionType is what an inline mention points at, taken from the tag key.
type MentionType int

const (
	MentionEvent MentionType = iota + 1
	MentionPubkey
)

func (t MentionType) String() string {
	switch t {
	case MentionEvent:
		return "event"
	case MentionPubkey:
		return "pubkey"
	}
	return "unknown"
}

func mentionTypeForKey(key string) (MentionType, bool) {
	switch key {
	case "e":
		return MentionEvent, true
	case "p":
		return MentionPubkey, true
	}
	return 0, false
}

// Mention is an inline #[n] marker resolved against tag n.
type Mention struct {
	Index int
	Type  MentionType
	Ref   Reference
}

type BlockKind int

const (
	BlockText BlockKind = iota
	BlockMention
	BlockHashtag
)

// Block is one piece of parsed content. Text holds the literal text of text
// blocks and the tag name (without '#') of hashtag blocks.
type Block struct {
	Kind    BlockKind
	Text    string
	Mention *Mention
}

// ParseBlocks splits content into text, #[n] mention and #hashtag blocks.
// A mention marker whose index is out of range, or whose tag is too short or
// has an unknown key, stays literal text.
func ParseBlocks(content string, tags [][]string) []Block {
	var blocks []Block
	var text strings.Builder

	flushText := func() {
		if text.Len() > 0 {
			blocks = append(blocks, Block{Kind: BlockText, Text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(content); {
		if content[i] != '#' {
			r, size := utf8.DecodeRuneInString(content[i:])
			text.WriteRune(r)
			i += size
			continue
		}

		if m, n, ok := parseMention(content[i:], tags); ok {
			flushText()
			blocks = append(blocks, Block{Kind: BlockMention, Mention: &m})
			i += n
			continue
		}

		if tag, n := parseHashtag(content[i:]); n > 0 && atWordStart(content, i) {
			flushText()
			blocks = append(blocks, Block{Kind: BlockHashtag, Text: tag})
			i += n
			continue
		}

		text.WriteByte('#')
		i++
	}
	flushText()
	return blocks
}

// parseMention reads "#[n]" at the start of s and returns the resolved
// mention and the number of bytes consumed.
func parseMention(s string, tags [][]string) (Mention, int, bool) {
	if !strings.HasPrefix(s, "#[") {
		return Mention{}, 0, false
	}
	end := strings.IndexByte(s, ']')
	if end < 3 {
		return Mention{}, 0, false
	}
	digits := s[2:end]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Mention{}, 0, false
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index >= len(tags) {
		return Mention{}, 0, false
	}
	ref, ok := referenceFromTag(tags[index])
	if !ok {
		return Mention{}, 0, false
	}
	typ, ok := mentionTypeForKey(ref.Key)
	if !ok {
		return Mention{}, 0, false
	}
	return Mention{Index: index, Type: typ, Ref: ref}, end + 1, true
}

// parseHashtag reads "#word" at the start of s.
func parseHashtag(s string) (string, int) {
	n := 1
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		n += size
	}
	if n == 1 {
		return "", 0
	}
	return s[1:n], n
}

func atWordStart(content string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(content[:i])
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// String renders a block back to content form.
func (b Block) String() string {
	switch b.Kind {
	case BlockMention:
		return "#[" + strconv.Itoa(b.Mention.Index) + "]"
	case BlockHashtag:
		return "#" + b.Text
	}
	return b.Text
}
