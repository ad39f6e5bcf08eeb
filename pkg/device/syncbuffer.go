package device

import (
	"bytes"
	"fmt"
	"strings"
)

// Selector picks which components of a Device's state a sync buffer
// carries (spec.md §3: "E" for the property environment, "G" for
// tags).
type Selector uint8

const (
	SelectEnv Selector = 1 << iota
	SelectTags
)

// String renders the selector in the wire form used by SYNC messages
// (spec.md §4.5): "E", "G", or "EG".
func (s Selector) String() string {
	var b strings.Builder
	if s&SelectEnv != 0 {
		b.WriteByte('E')
	}
	if s&SelectTags != 0 {
		b.WriteByte('G')
	}
	return b.String()
}

// ParseSelector parses the wire form back into a Selector. Unknown
// letters are ignored rather than rejected, matching the forwarding
// selector's origin as a small fixed vocabulary (spec.md §4.5: "ENV" →
// E, "TAGS" → G).
func ParseSelector(s string) Selector {
	var sel Selector
	for _, c := range s {
		switch c {
		case 'E':
			sel |= SelectEnv
		case 'G':
			sel |= SelectTags
		}
	}
	return sel
}

// Serialize renders the subset of d's state named by sel into a
// compact buffer: each selected component is one line, NUL-terminated
// key=value pairs for E, NUL-terminated tag names for G, each component
// preceded by its own letter and a newline.
func Serialize(d *Device, sel Selector) []byte {
	var buf bytes.Buffer
	if sel&SelectEnv != 0 {
		buf.WriteString("E\n")
		for k, v := range d.Properties() {
			fmt.Fprintf(&buf, "%s=%s\x00", k, v)
		}
		buf.WriteByte('\n')
	}
	if sel&SelectTags != 0 {
		buf.WriteString("G\n")
		for _, t := range d.Tags() {
			buf.WriteString(t)
			buf.WriteByte(0)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Deserialize applies a buffer produced by Serialize onto d, merging
// (not replacing) properties and tags. Round-trip law (spec.md §8.2):
// Deserialize(Serialize(d, sel)) restricted to sel leaves d unchanged
// in the selected components and leaves unselected components alone.
func Deserialize(d *Device, buf []byte) error {
	lines := bytes.Split(buf, []byte{'\n'})
	i := 0
	for i < len(lines) {
		marker := lines[i]
		i++
		if len(marker) == 0 {
			continue
		}
		if i >= len(lines) {
			return fmt.Errorf("device: truncated sync buffer after %q", marker)
		}
		payload := lines[i]
		i++

		switch marker[0] {
		case 'E':
			for _, field := range bytes.Split(payload, []byte{0}) {
				if len(field) == 0 {
					continue
				}
				k, v, ok := splitKV(field)
				if !ok {
					continue
				}
				d.SetProperty(k, v)
			}
		case 'G':
			for _, field := range bytes.Split(payload, []byte{0}) {
				if len(field) == 0 {
					continue
				}
				d.AddTag(string(field))
			}
		default:
			return fmt.Errorf("device: unknown sync buffer marker %q", marker)
		}
	}
	return nil
}

func splitKV(field []byte) (key, value string, ok bool) {
	eq := bytes.IndexByte(field, '=')
	if eq < 1 {
		return "", "", false
	}
	return string(field[:eq]), string(field[eq+1:]), true
}
