package nostr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vectorPubKey = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
	vectorNpub   = "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
)

func TestNpubVector(t *testing.T) {
	npub, err := EncodeNpub(vectorPubKey)
	require.NoError(t, err)
	assert.Equal(t, vectorNpub, npub)

	key, hints, err := DecodePubKey(vectorNpub)
	require.NoError(t, err)
	assert.Equal(t, vectorPubKey, key)
	assert.Empty(t, hints)
}

func TestNprofileVector(t *testing.T) {
	key, hints, err := DecodePubKey("nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p")
	require.NoError(t, err)
	assert.Equal(t, "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", key)
	assert.Equal(t, []string{"wss://r.x.com", "wss://djbas.sadkb.com"}, hints)
}

func TestNoteRoundTrip(t *testing.T) {
	id := strings.Repeat("ab", 32)
	note, err := EncodeNote(id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(note, "note1"))

	got, _, err := DecodeEventID(note)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, _, err = DecodeEventID(strings.ToUpper(id))
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDecodeRejects(t *testing.T) {
	flipped := vectorNpub[:len(vectorNpub)-1] + "q"
	tests := []struct {
		name string
		in   string
		is   error
	}{
		{name: "bad checksum", in: flipped, is: ErrInvalidBech32},
		{name: "mixed case", in: "npub10ELfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg", is: ErrInvalidBech32},
		{name: "short hex", in: "abcd"},
		{name: "not hex", in: strings.Repeat("zz", 32)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodePubKey(tc.in)
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestDecodeWrongPrefix(t *testing.T) {
	note, err := EncodeNote(vectorPubKey)
	require.NoError(t, err)

	_, err = decodeKey("npub", note)
	assert.ErrorIs(t, err, ErrInvalidBech32)

	_, _, err = DecodePubKey(note)
	assert.Error(t, err)
}

func TestEncodeRejectsBadLength(t *testing.T) {
	_, err := EncodeNpub("abcd")
	assert.Error(t, err)
}
