package seq

import (
	"gitlab.com/gomidi/midi/v2"

	"midiseq/internal/debug"
)

// Controller numbers used by the flush sequence.
const (
	ccHoldPedal         = 64
	ccAllControllersOff = 121
	ccAllNotesOff       = 123
)

// MessageTarget decorates a Transport in order to track note ons and
// send balancing note offs on mute and stop. It encapsulates a
// NoteOnCache to hide the messy details.
//
// Sink errors never reach the caller; they are counted and the first
// occurrence is logged, and the cache is still updated so note state
// stays consistent.
type MessageTarget struct {
	out      Transport
	cache    NoteOnCache
	failures int
}

func NewMessageTarget(out Transport) *MessageTarget {
	return &MessageTarget{out: out}
}

// Transport forwards msg downstream, recording note on/off state.
func (t *MessageTarget) Transport(msg midi.Message, timestamp int64) error {
	if err := t.out.Transport(msg, timestamp); err != nil {
		t.fail(err)
	}
	var channel, key, velocity uint8
	switch {
	case msg.GetNoteStart(&channel, &key, &velocity):
		t.cache.Set(int(key), int(channel))
	case msg.GetNoteEnd(&channel, &key):
		t.cache.Clear(int(key), int(channel))
	}
	return nil
}

// NotesOff turns off every cached note, then silences each channel
// wholesale. Explicit note offs go first so devices that ignore the
// blanket all-notes-off still go silent. Called for stop or mute; stop
// additionally resets controllers.
func (t *MessageTarget) NotesOff(stop bool) {
	for ch := 0; ch < 16; ch++ {
		channelMask := uint16(1) << ch
		for note := 0; note < 128; note++ {
			if t.cache.TestAndClear(note, channelMask) {
				// note on with velocity 0, the widely accepted note off
				t.send(midi.NoteOn(uint8(ch), uint8(note), 0))
			}
		}
		t.send(midi.ControlChange(uint8(ch), ccAllNotesOff, 0))
		t.send(midi.ControlChange(uint8(ch), ccHoldPedal, 0))
		if stop {
			t.send(midi.ControlChange(uint8(ch), ccAllControllersOff, 0))
		}
	}
}

// Failures returns the number of messages the sink has rejected.
func (t *MessageTarget) Failures() int {
	return t.failures
}

func (t *MessageTarget) send(msg midi.Message) {
	if err := t.out.Transport(msg, 0); err != nil {
		t.fail(err)
	}
}

func (t *MessageTarget) fail(err error) {
	t.failures++
	if t.failures == 1 {
		debug.Log("target", "sink rejected message: %v", err)
	}
}
