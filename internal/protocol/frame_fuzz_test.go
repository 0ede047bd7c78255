package protocol

import "testing"

func FuzzUnmarshalFrame(f *testing.F) {
	f.Add([]byte(`{"type":"connect-data","id":"s","dataBase64":"aGk="}`))
	f.Add([]byte(`{"type":"hello","role":"lan","session":"x","protocolVersion":1}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := Unmarshal(data)
		if err != nil {
			return
		}
		encoded, err := Marshal(frame)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		decoded, err := Unmarshal(encoded)
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if decoded.Type != frame.Type {
			t.Fatalf("type mismatch: %q vs %q", frame.Type, decoded.Type)
		}
		if decoded.ID != frame.ID {
			t.Fatalf("id mismatch: %q vs %q", frame.ID, decoded.ID)
		}
	})
}
