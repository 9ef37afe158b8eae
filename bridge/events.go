package bridge

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// DescribeEvent renders an event-port payload for logs and the event stream
// toward the UI. MIDI-shaped payloads are decoded into their message form;
// anything else is summarized by size. Never called from the audio thread.
func DescribeEvent(payload []byte) string {
	if len(payload) == 0 {
		return "empty event"
	}
	msg := midi.Message(payload)
	if msg.Is(midi.UnknownMsg) {
		return fmt.Sprintf("opaque event (%d bytes)", len(payload))
	}
	return msg.String()
}

// IsMIDI reports whether the payload parses as a known MIDI message.
func IsMIDI(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	return !midi.Message(payload).Is(midi.UnknownMsg)
}
