// Package canonical implements the content-addressed digest scheme §9
// mandates for every on-ledger attestation anchor: canonical JSON (keys
// sorted, no optional/null fields, numbers as decimal integers at their
// canonical scale) hashed with SHA-256. Any two implementations that agree on
// this package's encoding rules produce the same 32-byte digest for the same
// logical bundle.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Digest is a 32-byte content-addressed hash.
type Digest [32]byte

// ZeroDigest is the all-zero digest used as the "absent" sentinel for image
// digests and similar optional anchors.
var ZeroDigest Digest

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// MarshalJSON renders the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Hash computes the canonical digest of v. v must marshal to a JSON object
// or array via encoding/json; struct fields tagged `json:"...,omitempty"`
// are the mechanism callers use to satisfy "no optional/null fields".
func Hash(v interface{}) (Digest, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return Digest{}, err
	}
	sum := sha256.Sum256(canon)
	return Digest(sum), nil
}

// Canonicalize renders v to its canonical JSON byte form: object keys
// sorted lexicographically at every nesting level, no insignificant
// whitespace. Numbers are passed through encoding/json.Number so integers
// already encoded as decimal strings or ints never pick up floating-point
// rendering.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		wrote := false
		for _, k := range keys {
			item := val[k]
			if item == nil {
				// "no optional/null fields": drop explicit nulls.
				continue
			}
			if wrote {
				buf.WriteByte(',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyEnc)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
			wrote = true
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
}
