package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBech32 is returned for malformed NIP-19 identifiers.
var ErrInvalidBech32 = errors.New("invalid bech32 identifier")

// Bech32 charset
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// TLV types used by nprofile and nevent
const (
	tlvSpecial = 0 // pubkey for nprofile, event id for nevent
	tlvRelay   = 1
	tlvAuthor  = 2
)

// EncodeNpub encodes a hex pubkey as npub1...
func EncodeNpub(pubKeyHex string) (string, error) {
	return encodeKey("npub", pubKeyHex)
}

// EncodeNote encodes a hex event id as note1...
func EncodeNote(eventIDHex string) (string, error) {
	return encodeKey("note", eventIDHex)
}

// DecodePubKey accepts a hex pubkey, an npub or an nprofile and returns the
// hex pubkey plus any relay hints.
func DecodePubKey(s string) (string, []string, error) {
	switch {
	case strings.HasPrefix(s, "npub1"):
		key, err := decodeKey("npub", s)
		return key, nil, err
	case strings.HasPrefix(s, "nprofile1"):
		tlv, err := decodeTLV("nprofile", s)
		if err != nil {
			return "", nil, err
		}
		return tlv.special, tlv.relays, nil
	}
	if err := checkHex32(s); err != nil {
		return "", nil, fmt.Errorf("pubkey %q: %w", s, err)
	}
	return strings.ToLower(s), nil, nil
}

// DecodeEventID accepts a hex event id, a note or an nevent and returns the
// hex id plus any relay hints.
func DecodeEventID(s string) (string, []string, error) {
	switch {
	case strings.HasPrefix(s, "note1"):
		id, err := decodeKey("note", s)
		return id, nil, err
	case strings.HasPrefix(s, "nevent1"):
		tlv, err := decodeTLV("nevent", s)
		if err != nil {
			return "", nil, err
		}
		return tlv.special, tlv.relays, nil
	}
	if err := checkHex32(s); err != nil {
		return "", nil, fmt.Errorf("event id %q: %w", s, err)
	}
	return strings.ToLower(s), nil, nil
}

func checkHex32(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	return nil
}

func encodeKey(hrp, hexKey string) (string, error) {
	if err := checkHex32(hexKey); err != nil {
		return "", fmt.Errorf("%s: %w", hrp, err)
	}
	raw, _ := hex.DecodeString(hexKey)
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(hrp, data), nil
}

func decodeKey(wantHRP, s string) (string, error) {
	raw, err := decodeBytes(wantHRP, s)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%s: %w: length %d", wantHRP, ErrInvalidBech32, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func decodeBytes(wantHRP, s string) ([]byte, error) {
	hrp, data, err := bech32Decode(s)
	if err != nil {
		return nil, err
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrInvalidBech32, wantHRP, hrp)
	}
	return convertBits(data, 5, 8, false)
}

type tlvEntity struct {
	special string
	author  string
	relays  []string
}

func decodeTLV(wantHRP, s string) (tlvEntity, error) {
	raw, err := decodeBytes(wantHRP, s)
	if err != nil {
		return tlvEntity{}, err
	}
	var out tlvEntity
	for i := 0; i+2 <= len(raw); {
		typ, n := raw[i], int(raw[i+1])
		i += 2
		if i+n > len(raw) {
			break
		}
		value := raw[i : i+n]
		i += n

		switch typ {
		case tlvSpecial:
			if n == 32 {
				out.special = hex.EncodeToString(value)
			}
		case tlvRelay:
			out.relays = append(out.relays, string(value))
		case tlvAuthor:
			if n == 32 {
				out.author = hex.EncodeToString(value)
			}
		}
	}
	if out.special == "" {
		return tlvEntity{}, fmt.Errorf("%s: %w: missing key", wantHRP, ErrInvalidBech32)
	}
	return out, nil
}

// bech32Decode splits s into HRP and 5-bit data and verifies the checksum.
func bech32Decode(s string) (string, []byte, error) {
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return "", nil, fmt.Errorf("%w: mixed case", ErrInvalidBech32)
	}
	s = strings.ToLower(s)

	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		return "", nil, fmt.Errorf("%w: separator", ErrInvalidBech32)
	}
	hrp := s[:pos]

	values := make([]byte, 0, len(s)-pos-1)
	for _, c := range s[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, fmt.Errorf("%w: character %q", ErrInvalidBech32, c)
		}
		values = append(values, byte(idx))
	}
	if bech32Polymod(append(hrpExpand(hrp), values...)) != 1 {
		return "", nil, fmt.Errorf("%w: checksum", ErrInvalidBech32)
	}
	return hrp, values[:len(values)-6], nil
}

func bech32Encode(hrp string, data []byte) string {
	values := append(hrpExpand(hrp), data...)
	polymod := bech32Polymod(append(values, 0, 0, 0, 0, 0, 0)) ^ 1

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(bech32Charset[(polymod>>(5*(5-i)))&31])
	}
	return b.String()
}

func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}

// convertBits regroups data between bit widths
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc, bits := uint32(0), uint(0)
	maxv := uint32(1)<<toBits - 1
	var out []byte
	for _, value := range data {
		acc = acc<<fromBits | uint32(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, fmt.Errorf("%w: padding", ErrInvalidBech32)
	}
	return out, nil
}
