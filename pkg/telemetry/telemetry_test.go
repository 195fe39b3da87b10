package telemetry

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

// Job and Event are wire envelopes shared with a daemon process over
// Redis; round-tripping them through CBOR must preserve every field.
func TestJobRoundTrip(t *testing.T) {
	job := Job{Op: "write", Addr: 0x80001000, Length: 4, Data: []byte{1, 2, 3, 4}}

	data, err := cbor.Marshal(job)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Job
	if err := cbor.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Op != job.Op || got.Addr != job.Addr || got.Length != job.Length || string(got.Data) != string(job.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, job)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{Op: "read", OK: true, Result: []byte{0xDE, 0xAD, 0xBE, 0xEF}}

	data, err := cbor.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Event
	if err := cbor.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Op != ev.Op || got.OK != ev.OK || got.Error != ev.Error || !bytes.Equal(got.Result, ev.Result) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ev)
	}
}
