package seq

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"midiseq/internal/debug"
)

var (
	// ErrRunning is returned by mutators that are forbidden while an
	// engine thread is alive.
	ErrRunning = errors.New("seq: not allowed while playing")

	// ErrNoSource is returned when an operation needs a bound source.
	ErrNoSource = errors.New("seq: no source")

	// ErrClockDivision is returned when clocks-per-quarter does not
	// evenly divide the source resolution.
	ErrClockDivision = errors.New("seq: clocks per quarter must evenly divide resolution")
)

const defaultBPM = 120

// Sequencer plays MIDI from Sources in real-time. It is the real-time
// part of a sequencer; controller chasing, looping and repositioning
// while running must be provided by Source implementations through the
// Sync window as appropriate.
//
// Effectively we solve the law of motion: distance = velocity * time.
// Distance is measured in ticks, velocity in bpm. MIDI only supports
// instantaneous transitions between constant tempos, so total distance
// is the accumulation of a contiguous series of linear segments.
//
// Tempo is generated internally, or locked to externally supplied
// pulses when a positive clocks-per-quarter is configured before play.
type Sequencer struct {
	mu sync.Mutex // guards source binding, clock selection and transitions

	source           Source
	ticksPerQuarter  int
	clocksPerQuarter int

	running     atomic.Bool
	engine      atomic.Pointer[playEngine]
	stopOnEmpty atomic.Bool

	tickPosition   atomic.Int64
	microsPosition atomic.Int64
	bpmBits        atomic.Uint64
	factorBits     atomic.Uint64

	listenersMu sync.Mutex
	listeners   []func(running bool)

	// invoked on the engine thread once per iteration, after the clock
	// interval has been applied
	pumpHook func()
}

func NewSequencer() *Sequencer {
	s := &Sequencer{}
	s.storeBPM(defaultBPM)
	s.factorBits.Store(math.Float64bits(1))
	return s
}

// SetSource binds a source. Resets the tempo to 120 bpm, rewinds, and
// flushes any outstanding notes. Not allowed while playing.
func (s *Sequencer) SetSource(source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return ErrRunning
	}
	if source == nil {
		return ErrNoSource
	}
	resolution := source.Resolution()
	if resolution <= 0 {
		return fmt.Errorf("seq: source resolution must be positive, got %d", resolution)
	}
	if s.clocksPerQuarter > 0 &&
		(resolution < s.clocksPerQuarter || resolution%s.clocksPerQuarter != 0) {
		return ErrClockDivision
	}
	s.source = source
	s.ticksPerQuarter = resolution
	s.storeBPM(defaultBPM)
	s.tickPosition.Store(0)
	s.microsPosition.Store(0)
	source.Control(s)
	source.ReturnToZero() // just in case it isn't
	source.Stopped()
	return nil
}

// SetClocksPerQuarter selects the clock domain for subsequent play
// sessions: 0 is master (internal tempo), a positive value locks onto
// that many external pulses per quarter note. Not allowed while
// playing.
func (s *Sequencer) SetClocksPerQuarter(pq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return ErrRunning
	}
	if pq < 0 {
		return fmt.Errorf("seq: clocks per quarter must be >= 0, got %d", pq)
	}
	if pq > 0 && s.source != nil &&
		(s.ticksPerQuarter < pq || s.ticksPerQuarter%pq != 0) {
		return ErrClockDivision
	}
	s.clocksPerQuarter = pq
	return nil
}

// ClocksPerQuarter returns the configured external clock division, 0
// meaning master mode.
func (s *Sequencer) ClocksPerQuarter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocksPerQuarter
}

// Play starts the engine thread. Idempotent while running.
func (s *Sequencer) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return ErrNoSource
	}
	if s.running.Load() {
		return nil
	}
	var clk clock
	if s.clocksPerQuarter > 0 {
		clk = newSlaveClock(s, s.ticksPerQuarter, s.clocksPerQuarter)
	} else {
		clk = &masterClock{s: s}
	}
	e := &playEngine{s: s, clk: clk}
	s.running.Store(true)
	s.engine.Store(e)
	go e.run()
	s.notify(true)
	return nil
}

// Stop signals the engine thread to exit. The thread observes the
// signal within one sleep tick, runs the shutdown protocol (notes off,
// controllers reset) and notifies listeners once drained. Stopping a
// stopped sequencer is a no-op; with no source bound Stop returns
// ErrNoSource.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return ErrNoSource
	}
	s.engine.Store(nil)
	return nil
}

// ReturnToZero rewinds the source and zeroes the position, as if the
// source had been bound again. Not allowed while playing.
func (s *Sequencer) ReturnToZero() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return ErrNoSource
	}
	if s.running.Load() {
		return ErrRunning
	}
	s.source.ReturnToZero()
	s.storeBPM(defaultBPM)
	s.tickPosition.Store(0)
	s.microsPosition.Store(0)
	return nil
}

// Running reports whether the sequencer is playing (or stopping).
func (s *Sequencer) Running() bool {
	return s.running.Load()
}

// TickPosition is the accumulated musical position since the last
// rewind. Written only by the engine thread, readable from any thread.
func (s *Sequencer) TickPosition() int64 {
	return s.tickPosition.Load()
}

// MillisecondPosition is the accumulated play time since the last
// rewind.
func (s *Sequencer) MillisecondPosition() int64 {
	return s.microsPosition.Load() / 1000
}

// BPM returns the current tempo.
func (s *Sequencer) BPM() float64 {
	return math.Float64frombits(s.bpmBits.Load())
}

// SetBPM changes the tempo, starting a new linear segment immediately.
// Valid from any thread; primarily intended for the Source back-channel
// on tempo events. Non-positive values are ignored.
func (s *Sequencer) SetBPM(bpm float64) {
	if bpm > 0 {
		s.storeBPM(bpm)
	}
}

// TempoFactor returns the playback rate scaling.
func (s *Sequencer) TempoFactor() float64 {
	return math.Float64frombits(s.factorBits.Load())
}

// SetTempoFactor scales the master tempo; ignored when clocked
// externally. Non-positive values are ignored.
func (s *Sequencer) SetTempoFactor(factor float64) {
	if factor > 0 {
		s.factorBits.Store(math.Float64bits(factor))
	}
}

// SetStopOnEmpty makes the engine stop once a pump sees every track
// exhausted. Off by default.
func (s *Sequencer) SetStopOnEmpty(stop bool) {
	s.stopOnEmpty.Store(stop)
}

// Clock records an external clock pulse. Only meaningful while playing
// with a positive clocks-per-quarter; otherwise ignored. May be called
// from a MIDI input driver thread.
func (s *Sequencer) Clock() {
	if e := s.engine.Load(); e != nil {
		if slave, ok := e.clk.(*slaveClock); ok {
			slave.clock()
		}
	}
}

// AddListener registers a callback notified synchronously on run-state
// transitions, on the mutating thread: true after play, false after the
// engine has drained.
func (s *Sequencer) AddListener(fn func(running bool)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Sequencer) notify(running bool) {
	s.listenersMu.Lock()
	fns := make([]func(bool), len(s.listeners))
	copy(fns, s.listeners)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(running)
	}
}

func (s *Sequencer) storeBPM(bpm float64) {
	s.bpmBits.Store(math.Float64bits(bpm))
}

// syncSource gives the source its mutation window, applies any
// reposition offset, then pumps events up to the current tick. Runs on
// the engine thread.
func (s *Sequencer) syncSource() {
	tick := s.tickPosition.Load()
	offset := s.source.Sync(tick)
	if offset != 0 {
		tick += offset
		s.tickPosition.Store(tick)
		if e := s.engine.Load(); e != nil {
			e.clk.reposition(tick)
		}
	}
	s.source.PlayToTick(tick)
}

func (s *Sequencer) sourceEmpty() bool {
	for _, trk := range s.source.Tracks() {
		if trk.NextTick() != MaxTick {
			return false
		}
	}
	return true
}

// playEngine encapsulates the real-time thread of one play session.
// The sequencer's engine pointer doubles as the stop signal: the loop
// exits when it no longer refers to this engine.
type playEngine struct {
	s   *Sequencer
	clk clock
}

func (e *playEngine) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s := e.s

	debug.Log("seq", "engine started: %s", s.source.Name())
	// position the source before the first interval elapses
	s.syncSource()

	start := time.Now()
	prev := int64(0)
	for s.engine.Load() == e {
		time.Sleep(time.Millisecond)
		now := time.Since(start).Microseconds()
		e.clk.interval(now - prev)
		s.microsPosition.Add(now - prev)
		prev = now
		if hook := s.pumpHook; hook != nil {
			hook()
		}
		if s.stopOnEmpty.Load() && s.sourceEmpty() {
			s.engine.CompareAndSwap(e, nil)
		}
	}

	// shutdown protocol: the engine always drains before the thread
	// exits, so partial shutdown is not observable
	s.source.Stopped()
	s.running.Store(false)
	debug.Log("seq", "engine stopped: %s", s.source.Name())
	s.notify(false)
}
