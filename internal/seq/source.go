package seq

import (
	"math"

	"gitlab.com/gomidi/midi/v2"
)

// MaxTick is the sentinel returned by Track.NextTick when the track has
// no further events.
const MaxTick int64 = math.MaxInt64

// Transport is a downstream MIDI sink. A timestamp of 0 means
// "immediate".
type Transport interface {
	Transport(msg midi.Message, timestamp int64) error
}

// TransportFunc adapts a plain send function to the Transport interface.
type TransportFunc func(msg midi.Message) error

func (f TransportFunc) Transport(msg midi.Message, _ int64) error {
	return f(msg)
}

// SynchronousControl is the narrow back-channel a Source receives from
// the sequencer. It may only be invoked from within the Source's
// PlayToTick or Sync, which run on the sequencer's real-time thread.
type SynchronousControl interface {
	SetBPM(bpm float64)
}

// Track is a lazy cursor over tick-ordered events. NextTick is called
// on every pump and must be cheap. Implementations should anchor their
// cursor on the previously played event rather than the next one, so
// that insertions near the cursor are observed on a later pump instead
// of being skipped.
type Track interface {
	// NextTick returns the tick of the next event without advancing,
	// or MaxTick if the track is exhausted.
	NextTick() int64

	// PlayNext advances the cursor one event and delivers it.
	PlayNext()

	// Off silences the track; stop additionally resets controllers.
	Off(stop bool)

	// Name is unique within a Source.
	Name() string
}

// Source is a composite event iterator over an ordered list of Tracks.
// It is the contract the sequencer needs to play arbitrary track-based
// representations of music, which may be edited while playing.
//
// The track list may only be mutated from within Sync; the sequencer
// reads it at any other point of the pump.
type Source interface {
	// Resolution is the tick-per-quarter-note resolution, immutable for
	// the lifetime of the binding. Must be positive.
	Resolution() int

	// Tracks is the ordered list of tracks, read-only from the
	// sequencer's perspective.
	Tracks() []Track

	// Name identifies the source.
	Name() string

	// Control hands the source the sequencer's back-channel.
	Control(control SynchronousControl)

	// Sync is called once per pump that advances the tick and is the
	// sole mutation window. The returned offset, if nonzero, is applied
	// to the sequencer's tick position.
	Sync(currentTick int64) int64

	// PlayToTick drains each track while its next tick is <= targetTick.
	PlayToTick(targetTick int64)

	// ReturnToZero rewinds all cursors.
	ReturnToZero()

	// Stopped propagates a stop to all tracks.
	Stopped()
}
