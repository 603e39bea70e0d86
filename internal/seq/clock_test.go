package seq

import (
	"math"
	"testing"
	"time"
)

// slaveFixture binds a source and builds a slave clock with a synthetic
// pulse timestamp so tests control time completely.
func slaveFixture(t *testing.T, resolution, clocksPerQuarter int) (*Sequencer, *slaveClock, *int64) {
	t.Helper()
	s := NewSequencer()
	if err := s.SetSource(newFakeSource(resolution)); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	clk := newSlaveClock(s, resolution, clocksPerQuarter)
	now := new(int64)
	clk.nowMicros = func() int64 { return *now }
	return s, clk, now
}

func TestSlaveClockMultiplier(t *testing.T) {
	_, clk, _ := slaveFixture(t, 96, 24)
	if clk.multiplier != 4 {
		t.Errorf("expected multiplier 96/24 = 4, got %d", clk.multiplier)
	}
}

func TestSlaveJam(t *testing.T) {
	s, clk, now := slaveFixture(t, 96, 24)

	// each pulse posts a jam the next interval snaps to, regardless of
	// interpolation state
	for i := int64(1); i <= 3; i++ {
		*now += 20_000
		clk.clock()
		clk.interval(1000)
		if got := s.TickPosition(); got != 4*i {
			t.Errorf("pulse %d: expected tick %d, got %d", i, 4*i, got)
		}
	}
}

func TestSlaveInterpolation(t *testing.T) {
	s, clk, now := slaveFixture(t, 96, 24)

	// two pulses 20 ms apart prime the tempo smoother
	clk.clock()
	*now += 20_000
	clk.clock()
	clk.interval(1000) // jam to 8

	if got := s.TickPosition(); got != 8 {
		t.Fatalf("expected jam to tick 8, got %d", got)
	}

	// interpolation emits at most multiplier-1 ticks before idling,
	// however much time passes
	for i := 0; i < 100; i++ {
		clk.interval(1000)
	}
	if got := s.TickPosition(); got != 11 {
		t.Errorf("expected interpolation to stop at 8+3 = 11, got %d", got)
	}
}

func TestSlaveBPMConvergence(t *testing.T) {
	s, clk, now := slaveFixture(t, 96, 24)

	// 24 pulses per quarter at 24 pulses per second is 60 bpm; the
	// first-order smoother settles within 5% in about 12 pulses
	interval := int64(1_000_000 / 24)
	clk.clock() // priming pulse, timestamp only
	for i := 0; i < 24; i++ {
		*now += interval
		clk.clock()
	}

	if bpm := s.BPM(); math.Abs(bpm-60) > 3 {
		t.Errorf("expected bpm near 60, got %v", bpm)
	}
}

func TestSlaveFirstPulseSkipsBPM(t *testing.T) {
	s, clk, _ := slaveFixture(t, 96, 24)

	clk.clock()
	if bpm := s.BPM(); bpm != 120 {
		t.Errorf("first pulse must not update bpm, got %v", bpm)
	}
}

func TestSlaveRejectsTransportSpikes(t *testing.T) {
	s, clk, now := slaveFixture(t, 96, 24)

	clk.clock()
	// a pulse 1 ms after the last reads as 2500 bpm, a spike, not tempo
	*now += 1000
	clk.clock()
	if bpm := s.BPM(); bpm != 120 {
		t.Errorf("expected spike ignored, bpm is %v", bpm)
	}

	// a zero delta is ignored outright
	clk.clock()
	if bpm := s.BPM(); bpm != 120 {
		t.Errorf("expected zero delta ignored, bpm is %v", bpm)
	}
}

func TestSlaveIgnoresTempoFactor(t *testing.T) {
	s, clk, now := slaveFixture(t, 96, 24)
	s.SetTempoFactor(4)

	clk.clock()
	*now += 20_000
	clk.clock()
	clk.interval(1000) // jam, arms a countdown of 3

	// 5 ms at ~121 bpm is just under one tick; a leaked factor of 4
	// would have emitted the whole countdown by now
	start := s.TickPosition()
	for i := 0; i < 5; i++ {
		clk.interval(1000)
	}
	if advanced := s.TickPosition() - start; advanced != 0 {
		t.Errorf("tempo factor leaked into the slave path, advanced %d ticks in 5 ms", advanced)
	}
}

func TestSequencerClockRoutesToSlave(t *testing.T) {
	s := NewSequencer()
	if err := s.SetSource(newFakeSource(96)); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	if err := s.SetClocksPerQuarter(24); err != nil {
		t.Fatalf("SetClocksPerQuarter: %v", err)
	}

	// with no engine running the pulse is ignored
	s.Clock()

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer func() { _ = s.Stop() }()

	e := s.engine.Load()
	if e == nil {
		t.Fatal("no engine after play")
	}
	if _, ok := e.clk.(*slaveClock); !ok {
		t.Fatalf("expected a slave clock, got %T", e.clk)
	}

	s.Clock()
	deadline := time.Now().Add(time.Second)
	for s.TickPosition() != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the engine to jam to tick 4, at %d", s.TickPosition())
		}
		time.Sleep(time.Millisecond)
	}
}
