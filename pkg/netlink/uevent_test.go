package netlink

import "testing"

func TestParseKernelUEvent(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
		want    *Message
	}{
		{
			name:    "empty input",
			input:   []byte{},
			wantErr: true,
		},
		{
			name:    "no @ separator",
			input:   []byte("invalid\x00"),
			wantErr: true,
		},
		{
			name:  "simple add event",
			input: []byte("add@/devices/pci0000:00/video0\x00SUBSYSTEM=video4linux\x00DEVNAME=video0\x00"),
			want: &Message{
				Action:    "add",
				Devpath:   "/devices/pci0000:00/video0",
				Subsystem: "video4linux",
				Properties: map[string]string{
					"SUBSYSTEM": "video4linux",
					"DEVNAME":   "video0",
				},
			},
		},
		{
			name:  "remove event with multiple properties",
			input: []byte("remove@/devices/usb/1-1\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00"),
			want: &Message{
				Action:    "remove",
				Devpath:   "/devices/usb/1-1",
				Subsystem: "usb",
				Devtype:   "usb_device",
				Properties: map[string]string{
					"SUBSYSTEM": "usb",
					"DEVTYPE":   "usb_device",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, rebuild, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !rebuild {
				t.Errorf("expected rebuildBloom=true for raw kernel message")
			}
			if msg.Action != tt.want.Action || msg.Devpath != tt.want.Devpath {
				t.Errorf("got action=%q devpath=%q, want action=%q devpath=%q",
					msg.Action, msg.Devpath, tt.want.Action, tt.want.Devpath)
			}
			if msg.Subsystem != tt.want.Subsystem {
				t.Errorf("Subsystem: got %q want %q", msg.Subsystem, tt.want.Subsystem)
			}
			for k, v := range tt.want.Properties {
				if msg.Properties[k] != v {
					t.Errorf("Properties[%q]: got %q want %q", k, msg.Properties[k], v)
				}
			}
		})
	}
}

func TestBuildAndParseLibudevRoundTrip(t *testing.T) {
	orig := &Message{
		Action:    "add",
		Devpath:   "/devices/virtual/sound/card0",
		Subsystem: "sound",
		Devtype:   "",
		Properties: map[string]string{
			"SUBSYSTEM": "sound",
			"DEVNAME":   "snd/pcmC0D0p",
		},
	}
	bloom := BuildTagBloom([]string{"seat", "uaccess"})

	wire := BuildLibudev(orig, bloom)

	parsed, rebuild, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if rebuild {
		t.Errorf("expected rebuildBloom=false for libudev message")
	}
	if !parsed.Libudev {
		t.Errorf("expected Libudev=true")
	}
	if parsed.Action != orig.Action || parsed.Devpath != orig.Devpath {
		t.Errorf("got action=%q devpath=%q, want action=%q devpath=%q",
			parsed.Action, parsed.Devpath, orig.Action, orig.Devpath)
	}
	for k, v := range orig.Properties {
		if parsed.Properties[k] != v {
			t.Errorf("Properties[%q]: got %q want %q", k, parsed.Properties[k], v)
		}
	}
	if parsed.TagBloom != bloom {
		t.Errorf("TagBloom: got %d want %d", parsed.TagBloom, bloom)
	}
	if !parsed.TagBloom.HasTag("seat") || !parsed.TagBloom.HasTag("uaccess") {
		t.Errorf("expected bloom to report both tags present")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	wire := make([]byte, libudevHeaderLen)
	copy(wire[0:8], "libudev\x00")
	// leave magic as zero -- should be rejected
	if _, _, err := Parse(wire); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}
