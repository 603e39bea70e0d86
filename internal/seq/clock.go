package seq

import (
	"sync/atomic"
	"time"
)

// clock is the timing variant behind a play session: master derives
// ticks from the internal tempo, slave locks onto external pulses. A
// clock exists only while an engine is running; interval and reposition
// run on the engine thread.
type clock interface {
	interval(deltaMicros int64)
	reposition(tick int64)
}

const microsPerMinute = 60_000_000

// masterClock accumulates fractional ticks from the internal tempo:
// ticks = micros/60e6 * bpm * ticksPerQuarter * tempoFactor.
type masterClock struct {
	s          *Sequencer
	deltaTicks float64
}

func (c *masterClock) interval(deltaMicros int64) {
	s := c.s
	c.deltaTicks += float64(deltaMicros) / microsPerMinute *
		s.BPM() * float64(s.ticksPerQuarter) * s.TempoFactor()
	if c.deltaTicks >= 1 {
		n := int64(c.deltaTicks)
		c.deltaTicks -= float64(n)
		s.tickPosition.Add(n)
		s.syncSource()
	}
}

func (c *masterClock) reposition(int64) {
	c.deltaTicks = 0
}

const (
	// first-order IIR smoothing applied to the pulse-derived tempo
	bpmSmoothing = 0.25
	// instantaneous readings above this are transport spikes, not tempo
	maxSlaveBPM = 300
)

// slaveClock advances in whole clock-multiplier steps on external
// pulses and interpolates up to multiplier-1 further ticks between
// them. The jam is the ground truth: each pulse posts a target tick
// which the engine snaps to on its next interval, overriding whatever
// the interpolation had reached.
//
// The jam handoff is a single-slot mailbox: the pulse thread stores the
// tick then raises the flag, the engine thread consumes and lowers it.
type slaveClock struct {
	s                *Sequencer
	multiplier       int64
	clocksPerQuarter int

	// engine thread only
	deltaTicks float64
	countdown  int64

	jamTick  atomic.Int64
	doJam    atomic.Bool
	lastTick atomic.Int64

	// pulse thread only
	prevPulseMicros int64
	primed          bool

	nowMicros func() int64
}

func newSlaveClock(s *Sequencer, resolution, clocksPerQuarter int) *slaveClock {
	c := &slaveClock{
		s:                s,
		multiplier:       int64(resolution / clocksPerQuarter),
		clocksPerQuarter: clocksPerQuarter,
		nowMicros:        func() int64 { return time.Now().UnixMicro() },
	}
	c.lastTick.Store(s.tickPosition.Load())
	return c
}

func (c *slaveClock) interval(deltaMicros int64) {
	s := c.s
	if c.doJam.Load() {
		s.tickPosition.Store(c.jamTick.Load())
		c.doJam.Store(false)
		s.syncSource()
		c.deltaTicks = 0
		c.countdown = c.multiplier - 1
		return
	}
	if c.countdown <= 0 {
		return
	}
	// tempo factor is ignored when clocked externally
	c.deltaTicks += float64(deltaMicros) / microsPerMinute *
		s.BPM() * float64(s.ticksPerQuarter)
	if c.deltaTicks >= 1 {
		n := int64(c.deltaTicks)
		c.deltaTicks -= float64(n)
		if n > c.countdown {
			n = c.countdown
		}
		c.countdown -= n
		s.tickPosition.Add(n)
		s.syncSource()
	}
}

func (c *slaveClock) reposition(tick int64) {
	c.deltaTicks = 0
	c.lastTick.Store(tick)
}

// clock records an external pulse. Runs on the pulse producer's thread.
func (c *slaveClock) clock() {
	now := c.nowMicros()
	jam := c.lastTick.Load() + c.multiplier
	c.lastTick.Store(jam)
	c.jamTick.Store(jam)
	c.doJam.Store(true)

	if !c.primed {
		// first pulse carries no interval to measure
		c.primed = true
		c.prevPulseMicros = now
		return
	}
	delta := now - c.prevPulseMicros
	c.prevPulseMicros = now
	if delta <= 0 {
		return
	}
	abpm := microsPerMinute / (float64(delta) * float64(c.clocksPerQuarter))
	if abpm <= maxSlaveBPM {
		s := c.s
		s.storeBPM(bpmSmoothing*abpm + (1-bpmSmoothing)*s.BPM())
	}
}
