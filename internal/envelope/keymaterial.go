package envelope

import (
	"fmt"
	"io"
	"log/slog"
)

const redacted = "[REDACTED]"

// Key material storage formats. The format is the first byte of the
// persisted encoding.
const (
	formatRaw     byte = 0x00 // raw data key
	formatWrapped byte = 0x01 // data key sealed under the master key
	formatHybrid  byte = 0x02 // data key sealed to an age recipient
)

// KeyMaterial is the opaque per-object key handed back by Ingest. Persist it
// with MarshalBinary and restore it with ParseKeyMaterial. It prints as
// [REDACTED] in every fmt verb, in JSON and in slog output.
type KeyMaterial struct {
	format byte
	data   []byte
}

// ParseKeyMaterial restores key material from its persisted encoding.
func ParseKeyMaterial(b []byte) (KeyMaterial, error) {
	if len(b) < 2 {
		return KeyMaterial{}, fmt.Errorf("key material is %d bytes", len(b))
	}
	switch b[0] {
	case formatRaw, formatWrapped, formatHybrid:
	default:
		return KeyMaterial{}, fmt.Errorf("unknown key material format %d", b[0])
	}
	return KeyMaterial{format: b[0], data: append([]byte(nil), b[1:]...)}, nil
}

// MarshalBinary returns the persisted encoding.
func (k KeyMaterial) MarshalBinary() ([]byte, error) {
	if k.IsZero() {
		return nil, fmt.Errorf("empty key material")
	}
	out := make([]byte, 1+len(k.data))
	out[0] = k.format
	copy(out[1:], k.data)
	return out, nil
}

// IsZero reports whether k holds no key.
func (k KeyMaterial) IsZero() bool {
	return len(k.data) == 0
}

// Wrapped reports whether the data key is protected by a master key or an
// age recipient rather than stored raw.
func (k KeyMaterial) Wrapped() bool {
	return k.format != formatRaw
}

// Hybrid reports whether the data key is sealed to an age recipient.
func (k KeyMaterial) Hybrid() bool {
	return k.format == formatHybrid
}

func (k KeyMaterial) String() string   { return redacted }
func (k KeyMaterial) GoString() string { return redacted }

// Format implements fmt.Formatter so that no verb reaches the fields.
func (k KeyMaterial) Format(f fmt.State, verb rune) {
	io.WriteString(f, redacted)
}

// LogValue implements slog.LogValuer.
func (k KeyMaterial) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalJSON keeps key material out of JSON responses.
func (k KeyMaterial) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
