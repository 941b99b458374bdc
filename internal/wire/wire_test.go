package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	exp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Envelope{
		ExpiresAt: exp,
		Tags:      []string{"users", "region:eu"},
		Payload:   []byte(`{"id":"1"}`),
	}

	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", out.ExpiresAt, exp)
	}
	if len(out.Tags) != 2 || out.Tags[0] != "users" || out.Tags[1] != "region:eu" {
		t.Errorf("Tags = %v", out.Tags)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("Payload = %q", out.Payload)
	}
}

func TestNeverExpires(t *testing.T) {
	out, err := Decode(Encode(Envelope{Payload: []byte("v")}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", out.ExpiresAt)
	}
	if out.Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Error("zero expiry must never report expired")
	}
}

func TestExpired(t *testing.T) {
	exp := time.Now()
	e := Envelope{ExpiresAt: exp}
	if e.Expired(exp) {
		t.Error("expired exactly at the deadline")
	}
	if !e.Expired(exp.Add(time.Nanosecond)) {
		t.Error("not expired past the deadline")
	}
}

func TestEmptyPayloadAndTags(t *testing.T) {
	out, err := Decode(Encode(Envelope{}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Tags) != 0 || len(out.Payload) != 0 {
		t.Errorf("got tags=%v payload=%q", out.Tags, out.Payload)
	}
}

func TestCorruptInputs(t *testing.T) {
	good := Encode(Envelope{Tags: []string{"t"}, Payload: []byte("p")})

	cases := map[string][]byte{
		"nil":           nil,
		"short":         []byte("RSC"),
		"bad magic":     []byte("XXXXxxxxxxxxxxxxxxx"),
		"bad version":   append(append([]byte{}, "RSCW"...), append([]byte{99}, good[5:]...)...),
		"truncated tag": good[:len(good)-len("p")-1],
	}
	for name, b := range cases {
		if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: want ErrCorrupt, got %v", name, err)
		}
	}
}

func TestPlainBytesAreNotEnvelopes(t *testing.T) {
	// raw JSON written by something else must be flagged, not half-parsed
	if _, err := Decode([]byte(`{"id":"1","name":"Ada"}`)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt, got %v", err)
	}
}
