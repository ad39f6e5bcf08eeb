package netlink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// libudevMagic is the magic value libudev-monitor.c stores in network
// byte order right after the 8-byte "libudev\0" signature.
const libudevMagic = 0xfeedcafe

// libudevHeaderLen is the fixed-size portion of a libudev-format message,
// laid out the way systemd's udev_monitor_netlink_header is: 8-byte
// signature, magic, header length, properties offset, properties length,
// subsystem/devtype filter hashes, and the 64-bit tag bloom.
const libudevHeaderLen = 40

// Message is a parsed uevent, independent of which wire format it
// arrived in.
type Message struct {
	Action     string
	Devpath    string
	Subsystem  string
	Devtype    string
	Seqnum     uint64
	Properties map[string]string
	TagBloom   TagBloom
	// Raw holds the original buffer, reused verbatim when the spec's
	// filter pipeline decides to forward without modification.
	Raw []byte
	// Libudev is true when Raw (if set) is already in libudev format.
	Libudev bool
}

// Parse discriminates a netlink payload into a Message. The first 8
// bytes equal to "libudev\0" mark a libudev-format message; anything
// else is a raw kernel uevent ("ACTION@DEVPATH\0KEY=VALUE\0...").
// rebuildBloom is true for raw kernel messages, which carry no bloom
// filter of their own (spec.md C2).
func Parse(raw []byte) (msg *Message, rebuildBloom bool, err error) {
	if len(raw) >= 8 && bytes.Equal(raw[:8], []byte("libudev\x00")) {
		msg, err = parseLibudev(raw)
		return msg, false, err
	}
	msg, err = parseKernel(raw)
	return msg, true, err
}

func parseKernel(raw []byte) (*Message, error) {
	parts := bytes.Split(raw, []byte{0})
	if len(parts) == 0 || len(parts[0]) == 0 {
		return nil, fmt.Errorf("netlink: empty kernel uevent")
	}

	header := string(parts[0])
	at := strings.IndexByte(header, '@')
	if at < 1 {
		return nil, fmt.Errorf("netlink: malformed kernel uevent header %q", header)
	}

	msg := &Message{
		Action:     header[:at],
		Devpath:    header[at+1:],
		Properties: make(map[string]string),
		Raw:        raw,
		Libudev:    false,
	}

	for _, field := range parts[1:] {
		if len(field) == 0 {
			continue
		}
		k, v, ok := splitKV(field)
		if !ok {
			continue
		}
		msg.Properties[k] = v
		applyWellKnown(msg, k, v)
	}

	return msg, nil
}

func parseLibudev(raw []byte) (*Message, error) {
	if len(raw) < libudevHeaderLen {
		return nil, fmt.Errorf("netlink: libudev message too short (%d bytes)", len(raw))
	}

	if magic := binary.BigEndian.Uint32(raw[8:12]); magic != libudevMagic {
		return nil, fmt.Errorf("netlink: libudev magic mismatch: got %#x", magic)
	}

	// headerLen, propsOff, propsLen are stored in native byte order by
	// libudev; this module only runs on little-endian Linux targets
	// (amd64/arm64), so LittleEndian matches the platform's native order.
	propsOff := binary.LittleEndian.Uint32(raw[16:20])
	propsLen := binary.LittleEndian.Uint32(raw[20:24])
	bloom := binary.LittleEndian.Uint64(raw[32:40])

	if propsOff < libudevHeaderLen || uint64(propsOff)+uint64(propsLen) > uint64(len(raw)) {
		return nil, fmt.Errorf("netlink: libudev payload offset/length out of range")
	}

	payload := raw[propsOff : propsOff+propsLen]
	fields := bytes.Split(payload, []byte{0})

	msg := &Message{
		Properties: make(map[string]string),
		TagBloom:   TagBloom(bloom),
		Raw:        raw,
		Libudev:    true,
	}

	for _, field := range fields {
		if len(field) == 0 {
			continue
		}
		k, v, ok := splitKV(field)
		if !ok {
			continue
		}
		msg.Properties[k] = v
		applyWellKnown(msg, k, v)
	}

	if msg.Devpath == "" {
		// Some libudev producers only carry the "ACTION@DEVPATH" line
		// inside the first property field for kernel-format compat.
		if idx := strings.IndexByte(string(fields[0]), '@'); idx > 0 {
			msg.Action = string(fields[0][:idx])
			msg.Devpath = string(fields[0][idx+1:])
		}
	}

	return msg, nil
}

func applyWellKnown(msg *Message, key, value string) {
	switch key {
	case "ACTION":
		if msg.Action == "" {
			msg.Action = value
		}
	case "DEVPATH":
		if msg.Devpath == "" {
			msg.Devpath = value
		}
	case "SUBSYSTEM":
		msg.Subsystem = value
	case "DEVTYPE":
		msg.Devtype = value
	case "SEQNUM":
		var n uint64
		_, _ = fmt.Sscanf(value, "%d", &n)
		msg.Seqnum = n
	}
}

func splitKV(field []byte) (key, value string, ok bool) {
	eq := bytes.IndexByte(field, '=')
	if eq < 1 {
		return "", "", false
	}
	return string(field[:eq]), string(field[eq+1:]), true
}

// BuildKernel renders msg in the raw kernel wire format. Used when
// re-broadcasting on the container's kernel-compatible consumers, or
// when no libudev envelope is required.
func BuildKernel(msg *Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s@%s\x00", msg.Action, msg.Devpath)
	for k, v := range msg.Properties {
		fmt.Fprintf(&buf, "%s=%s\x00", k, v)
	}
	return buf.Bytes()
}

// BuildLibudev renders msg in libudev-format, including a freshly
// computed tag bloom (BuildTagBloom(tags)) since Message itself doesn't
// own a tag set -- the caller (typically the device registry) supplies
// it via bloom.
func BuildLibudev(msg *Message, bloom TagBloom) []byte {
	var props bytes.Buffer
	fmt.Fprintf(&props, "%s@%s\x00", msg.Action, msg.Devpath)
	for k, v := range msg.Properties {
		fmt.Fprintf(&props, "%s=%s\x00", k, v)
	}
	payload := props.Bytes()

	header := make([]byte, libudevHeaderLen)
	copy(header[0:8], "libudev\x00")
	binary.BigEndian.PutUint32(header[8:12], libudevMagic)
	binary.LittleEndian.PutUint32(header[12:16], libudevHeaderLen)
	binary.LittleEndian.PutUint32(header[16:20], libudevHeaderLen)
	binary.LittleEndian.PutUint32(header[20:24], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[24:28], fnvHash32(msg.Subsystem))
	binary.LittleEndian.PutUint32(header[28:32], fnvHash32(msg.Devtype))
	binary.LittleEndian.PutUint64(header[32:40], uint64(bloom))

	return append(header, payload...)
}

func fnvHash32(s string) uint32 {
	return uint32(fnvHash(s, 2))
}
