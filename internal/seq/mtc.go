package seq

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"

	"midiseq/internal/debug"
)

// ErrDropFrame is returned when the 29.97 drop-frame rate is requested.
var ErrDropFrame = errors.New("seq: drop frame MTC not supported")

// FrameRate is an MTC frame rate. The numeric values match the two rate
// bits of the quarter-frame and full-frame encodings.
type FrameRate int

const (
	FPS24 FrameRate = iota
	FPS25
	FPS30Drop
	FPS30
)

// FPS returns the nominal frames per second.
func (r FrameRate) FPS() float64 {
	switch r {
	case FPS24:
		return 24
	case FPS25:
		return 25
	case FPS30Drop:
		return 29.97
	default:
		return 30
	}
}

func (r FrameRate) String() string {
	switch r {
	case FPS24:
		return "24 fps"
	case FPS25:
		return "25 fps"
	case FPS30Drop:
		return "29.97 fps drop"
	default:
		return "30 fps"
	}
}

// FrameRateFor maps a whole frames-per-second count to a FrameRate.
func FrameRateFor(fps int) (FrameRate, error) {
	switch fps {
	case 24:
		return FPS24, nil
	case 25:
		return FPS25, nil
	case 30:
		return FPS30, nil
	}
	return 0, fmt.Errorf("seq: unsupported MTC frame rate %d", fps)
}

// mtcTime is the hh:mm:ss:ff timecode cached while the eight quarter
// frames that carry it are sent.
type mtcTime struct {
	hours, minutes, seconds, frames int
}

// MTCSequencer is a Sequencer that generates quarter-frame MTC
// messages. Messages are sent on the nearest millisecond: this has
// minimal jitter at 25 fps and up to 0.5 ms at 24 and 30 fps, plus any
// thread scheduling jitter. A full MTC message is sent on ReturnToZero.
// Default frame rate is 25 fps.
type MTCSequencer struct {
	*Sequencer

	port    Transport
	enabled atomic.Bool

	// rate changes while running are deferred to the next check so the
	// swap is synchronous with the real-time thread
	requested atomic.Int32

	// engine thread only
	rate     FrameRate
	mspf     float64 // milliseconds per frame
	mspqf    float64 // milliseconds per quarter frame
	qfpms    float64 // quarter frames per millisecond
	prevqf   int     // previous quarter frame index; -1 forces qf 0 next
	time     mtcTime
	failures int
}

func NewMTCSequencer(port Transport) *MTCSequencer {
	m := &MTCSequencer{
		Sequencer: NewSequencer(),
		port:      port,
		prevqf:    -1,
	}
	m.applyRate(FPS25)
	m.requested.Store(int32(FPS25))
	m.Sequencer.pumpHook = m.pump
	return m
}

// SetMTCEnabled controls whether quarter frames are generated.
func (m *MTCSequencer) SetMTCEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// MTCEnabled reports whether quarter frames are generated.
func (m *MTCSequencer) MTCEnabled() bool {
	return m.enabled.Load()
}

// FrameRate returns the most recently requested frame rate.
func (m *MTCSequencer) FrameRate() FrameRate {
	return FrameRate(m.requested.Load())
}

// SetFrameRate requests a frame rate of 24, 25 or 30 fps non-drop.
// While running the change takes effect at the next check of the
// real-time thread.
func (m *MTCSequencer) SetFrameRate(rate FrameRate) error {
	if rate == FPS30Drop {
		return ErrDropFrame
	}
	if rate < FPS24 || rate > FPS30 {
		return fmt.Errorf("seq: unknown frame rate %d", rate)
	}
	if !m.Running() {
		m.applyRate(rate)
	}
	m.requested.Store(int32(rate))
	return nil
}

// ReturnToZero rewinds and announces 00:00:00:00 with a full MTC frame.
func (m *MTCSequencer) ReturnToZero() error {
	if err := m.Sequencer.ReturnToZero(); err != nil {
		return err
	}
	m.time = mtcTime{}
	m.prevqf = -1
	m.send(fullFrame(m.time, m.rate))
	return nil
}

func (m *MTCSequencer) applyRate(rate FrameRate) {
	m.rate = rate
	m.mspf = 1000 / rate.FPS()
	m.mspqf = m.mspf / 4
	m.qfpms = 1 / m.mspqf
}

// pump runs on the engine thread once per iteration.
func (m *MTCSequencer) pump() {
	if !m.enabled.Load() {
		return
	}
	m.checkQuarterFrame(m.MillisecondPosition())
}

// checkQuarterFrame encodes hh:mm:ss:ff into a quarter frame if one is
// due at this millisecond.
func (m *MTCSequencer) checkQuarterFrame(millis int64) {
	if r := FrameRate(m.requested.Load()); r != m.rate {
		m.applyRate(r)
	}
	// Eight quarter frames span two frames. Every supported rate fits a
	// whole number of quarter frames in 250 ms, so reducing modulo 250
	// keeps the arithmetic exact over long runs. The qfpms/2 bias
	// rounds the quarter frame onto its nearest millisecond.
	f := math.Mod(float64(millis%250)/m.mspf, 2)
	qff := m.qfpms/2 + 4*f
	qf := int(qff) % 8
	if qf == m.prevqf {
		return
	}
	if qf == 0 { // cache the time for all 8 quarter frames
		m.time = timeAt(millis, m.mspf)
	}
	m.send(midi.MTC(quarterFrame(qf, m.time, m.rate)))
	m.prevqf = qf
}

func (m *MTCSequencer) send(msg midi.Message) {
	if err := m.port.Transport(msg, 0); err != nil {
		m.failures++
		if m.failures == 1 {
			debug.Log("mtc", "failed to send MTC message: %v", err)
		}
	}
}

// timeAt converts a millisecond position into hh:mm:ss:ff at the given
// milliseconds-per-frame.
func timeAt(millis int64, mspf float64) mtcTime {
	var t mtcTime
	t.frames = int(math.Round(float64(millis%1000) / mspf))
	s := millis / 1000
	t.seconds = int(s % 60)
	mins := s / 60
	t.minutes = int(mins % 60)
	hrs := mins / 60
	t.hours = int(hrs % 24)
	return t
}

// quarterFrame encodes one eighth of a timecode update as the data byte
// of a 0xF1 message.
func quarterFrame(qf int, t mtcTime, rate FrameRate) uint8 {
	var nibble int
	switch qf {
	case 0:
		nibble = t.frames & 0x0F
	case 1:
		nibble = t.frames >> 4
	case 2:
		nibble = t.seconds & 0x0F
	case 3:
		nibble = t.seconds >> 4
	case 4:
		nibble = t.minutes & 0x0F
	case 5:
		nibble = t.minutes >> 4
	case 6:
		nibble = t.hours & 0x0F
	case 7:
		nibble = (t.hours>>4)&0x01 | int(rate)<<1
	}
	return uint8(qf<<4 | nibble)
}

// fullFrame encodes an entire hh:mm:ss:ff timecode as the universal
// real-time SysEx used on rewind and seek.
func fullFrame(t mtcTime, rate FrameRate) midi.Message {
	return midi.SysEx([]byte{
		0x7F, 0x7F, 0x01, 0x01,
		uint8(int(rate)<<5 | t.hours),
		uint8(t.minutes),
		uint8(t.seconds),
		uint8(t.frames),
	})
}
