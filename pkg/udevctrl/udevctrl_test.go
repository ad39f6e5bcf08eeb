package udevctrl

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"ping", Message{Type: TypePing}},
		{"reload", Message{Type: TypeReload}},
		{"set log level", Message{Type: TypeSetLogLevel, Intval: 7}},
		{"set env", Message{Type: TypeSetEnv, Buf: "FOO=bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Encode(tt.msg)
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.msg {
				t.Errorf("got %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := Encode(Message{Type: TypePing})
	raw[0] = 0x00
	if _, err := Decode(raw); err == nil {
		t.Fatalf("expected error for corrupted magic")
	}
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for undersized record")
	}
}

func TestTypeString(t *testing.T) {
	if TypeExit.String() != "EXIT" {
		t.Errorf("got %q want EXIT", TypeExit.String())
	}
	if Type(99).String() == "" {
		t.Errorf("expected non-empty fallback string for unknown type")
	}
}
