package feed

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"totalDrops":3}`)
	frame, err := EncodeFrame(OpTotals, payload)
	if err != nil {
		t.Fatal(err)
	}

	op, got, err := DecodeFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if op != OpTotals {
		t.Errorf("opcode = %d, want %d", op, OpTotals)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := EncodeFrame(OpTotals, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeRejectsOversizeLength(t *testing.T) {
	header := []byte{1, 0, 0, 0, 0, 0, 0x20, 0} // length = 2 MiB
	_, _, err := DecodeFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeFailsOnTruncatedFrame(t *testing.T) {
	frame, err := EncodeFrame(OpTotals, []byte("abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = DecodeFrame(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}
