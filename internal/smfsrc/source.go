// Package smfsrc adapts a standard MIDI file to the sequencer's Source
// contract. All tracks share a single output, broadly the way a type 1
// file shares one device.
package smfsrc

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"midiseq/internal/seq"
)

// Source is a Source backed by a parsed SMF. It is not robust in the
// face of external edits to the file data; the OnSync hook is the place
// to reposition or mutate.
type Source struct {
	name       string
	resolution int
	target     *seq.MessageTarget
	control    seq.SynchronousControl
	tracks     []*track
	view       []seq.Track

	// OnSync, when set, is invoked once per pump inside the mutation
	// window. A nonzero return repositions the sequencer by that many
	// ticks; looping is implemented here by jumping backwards.
	OnSync func(currentTick int64) int64
}

type event struct {
	tick int64
	msg  smf.Message
}

type track struct {
	src    *Source
	name   string
	events []event
	played int // index of the previously played event, -1 at zero
}

// New builds a Source with one Track per SMF track, events at absolute
// ticks. Only metric time formats are supported.
func New(sm *smf.SMF, out seq.Transport) (*Source, error) {
	ticks, ok := sm.TimeFormat.(smf.MetricTicks)
	if !ok || int(ticks) == 0 {
		return nil, fmt.Errorf("smfsrc: unsupported time format %v", sm.TimeFormat)
	}
	s := &Source{
		name:       "sequence",
		resolution: int(ticks),
		target:     seq.NewMessageTarget(out),
	}
	for i, tr := range sm.Tracks {
		t := &track{
			src:    s,
			name:   fmt.Sprintf("Track %d", i+1),
			played: -1,
		}
		var abs int64
		for _, ev := range tr {
			abs += int64(ev.Delta)
			var name string
			if ev.Message.GetMetaTrackName(&name) && name != "" {
				t.name = name
				continue
			}
			if ev.Message.Is(smf.MetaEndOfTrackMsg) {
				continue
			}
			t.events = append(t.events, event{tick: abs, msg: ev.Message})
		}
		s.tracks = append(s.tracks, t)
		s.view = append(s.view, t)
	}
	if len(s.tracks) > 0 {
		s.name = s.tracks[0].name
	}
	return s, nil
}

func (s *Source) Resolution() int { return s.resolution }

func (s *Source) Tracks() []seq.Track { return s.view }

func (s *Source) Name() string { return s.name }

func (s *Source) Control(control seq.SynchronousControl) {
	s.control = control
}

func (s *Source) Sync(currentTick int64) int64 {
	if s.OnSync != nil {
		return s.OnSync(currentTick)
	}
	return 0
}

func (s *Source) PlayToTick(targetTick int64) {
	for _, t := range s.tracks {
		for t.NextTick() <= targetTick {
			t.PlayNext()
		}
	}
}

func (s *Source) ReturnToZero() {
	for _, t := range s.tracks {
		t.played = -1
	}
}

func (s *Source) Stopped() {
	for _, t := range s.tracks {
		t.Off(true)
	}
}

// Target exposes the shared message target, mainly so callers can
// inspect sink failures.
func (s *Source) Target() *seq.MessageTarget { return s.target }

func (t *track) NextTick() int64 {
	if t.played+1 >= len(t.events) {
		return seq.MaxTick
	}
	return t.events[t.played+1].tick
}

func (t *track) PlayNext() {
	if t.played+1 >= len(t.events) {
		return
	}
	t.played++
	ev := t.events[t.played]
	var bpm float64
	if ev.msg.GetMetaTempo(&bpm) {
		// tempo meta is not transportable; it becomes a tempo change on
		// the back-channel
		if t.src.control != nil {
			t.src.control.SetBPM(bpm)
		}
		return
	}
	if !ev.msg.IsPlayable() {
		return
	}
	_ = t.src.target.Transport(midi.Message(ev.msg), 0)
}

func (t *track) Off(stop bool) {
	t.src.target.NotesOff(stop)
}

func (t *track) Name() string { return t.name }
