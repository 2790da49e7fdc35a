package acq164d

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockMessageRoundTrip(t *testing.T) {
	ev := BlockEvent{Channel: 3, FirstSample: 123456, Samples: []float64{1.65, -0.25, 3.2999}}
	got, err := decodeBlockMessage(channelPrefix(ev.Channel), blockMessage(ev))
	if err != nil {
		t.Fatalf("decodeBlockMessage: %v", err)
	}
	assert.Equal(t, ev, got)
}

func TestScalarMessageRoundTrip(t *testing.T) {
	ev := ScalarEvent{Channel: 31, Mean: 1.6500001}
	got, err := decodeScalarMessage(channelPrefix(ev.Channel), scalarMessage(ev))
	if err != nil {
		t.Fatalf("decodeScalarMessage: %v", err)
	}
	assert.Equal(t, ev, got)
}

func TestDecodeBlockMessageRejectsTruncation(t *testing.T) {
	ev := BlockEvent{Channel: 0, FirstSample: 0, Samples: []float64{1, 2, 3, 4}}
	msg := blockMessage(ev)
	if _, err := decodeBlockMessage(channelPrefix(0), msg[:len(msg)-1]); err == nil {
		t.Error("truncated payload should fail to decode")
	}
	if _, err := decodeBlockMessage([]byte{1}, msg); err == nil {
		t.Error("short prefix should fail to decode")
	}
}
