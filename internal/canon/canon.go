// Package canon produces canonical JSON byte encodings: sorted object
// keys, compact separators, no HTML escaping. Membership tokens and
// federation link statements are signed over these bytes, so two callers
// serializing the same logical value must always produce identical output.
//
// Go's encoding/json already emits struct fields in declaration order
// (stable), but map keys and caller-supplied free-form data (constraints,
// capability lists) need an explicit sort pass to guarantee canonical
// bytes across processes and Go versions.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal serializes v the way internal/macaroon's Encode does for
// struct-shaped payloads, but additionally normalizes any map[string]any
// and []any values found by round-tripping through a generic form with
// sorted keys, and disables HTML escaping so '<', '>' and '&' survive
// byte-for-byte.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canon: round-trip: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalSortedStrings canonicalizes a string slice (e.g. a capability
// list) into sorted order before the caller embeds it in a larger
// structure, matching spec's "sorted capabilities" canonicalization rule.
func MarshalSortedStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := marshalNoEscape(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// marshalNoEscape is json.Marshal with HTML escaping turned off.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(b.Bytes(), []byte("\n")), nil
}
