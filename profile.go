package imgcache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// profileEncMode encodes with RFC 8949 Core Deterministic Encoding: sorted
// map keys, smallest integer encoding, no indefinite-length items. Equal
// logical values always produce identical bytes.
var profileEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	profileEncMode, err = opts.EncMode()
	if err != nil {
		panic("imgcache: CBOR encoder initialization failed: " + err.Error())
	}
}

// Canonicalize encodes v into its canonical byte form. Maps are encoded
// with sorted keys, so two values that differ only in insertion order
// encode identically.
func Canonicalize(v any) ([]byte, error) {
	b, err := profileEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing profile: %w", err)
	}
	return b, nil
}

// ProfileHash hashes the canonical encoding of the non-nil parts, in order.
// Parts are typically the source-level transform description followed by
// the variant-level one (resize, output format and format options).
func ProfileHash(h Hasher, parts ...any) (string, error) {
	kept := make([]any, 0, len(parts))
	for _, p := range parts {
		if p != nil {
			kept = append(kept, p)
		}
	}
	b, err := Canonicalize(kept)
	if err != nil {
		return "", err
	}
	return h.Sum(b), nil
}
