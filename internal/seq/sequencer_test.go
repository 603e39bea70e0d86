package seq

import (
	"testing"
	"time"
)

// fakeTrack is a scripted Track over plain tick values. onPlay, when
// set, is invoked with the tick of every played event.
type fakeTrack struct {
	name   string
	events []int64
	played int // index of the previously played event, -1 at zero
	onPlay func(tick int64)
	offs   int
	stops  int
}

func newFakeTrack(name string, ticks ...int64) *fakeTrack {
	return &fakeTrack{name: name, events: ticks, played: -1}
}

func (t *fakeTrack) NextTick() int64 {
	if t.played+1 >= len(t.events) {
		return MaxTick
	}
	return t.events[t.played+1]
}

func (t *fakeTrack) PlayNext() {
	if t.played+1 >= len(t.events) {
		return
	}
	t.played++
	if t.onPlay != nil {
		t.onPlay(t.events[t.played])
	}
}

func (t *fakeTrack) Off(stop bool) {
	t.offs++
	if stop {
		t.stops++
	}
}

func (t *fakeTrack) Name() string { return t.name }

// fakeSource is a scripted Source composite over fakeTracks.
type fakeSource struct {
	res     int
	control SynchronousControl
	tracks  []*fakeTrack

	// one offset is consumed per Sync call; empty means 0
	syncOffsets []int64

	syncTicks []int64
	playTicks []int64
	rtzs      int
	stops     int
}

func newFakeSource(res int, tracks ...*fakeTrack) *fakeSource {
	return &fakeSource{res: res, tracks: tracks}
}

func (s *fakeSource) Resolution() int { return s.res }

func (s *fakeSource) Tracks() []Track {
	view := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		view[i] = t
	}
	return view
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Control(control SynchronousControl) { s.control = control }

func (s *fakeSource) Sync(currentTick int64) int64 {
	s.syncTicks = append(s.syncTicks, currentTick)
	if len(s.syncOffsets) > 0 {
		off := s.syncOffsets[0]
		s.syncOffsets = s.syncOffsets[1:]
		return off
	}
	return 0
}

func (s *fakeSource) PlayToTick(targetTick int64) {
	s.playTicks = append(s.playTicks, targetTick)
	for _, t := range s.tracks {
		for t.NextTick() <= targetTick {
			t.PlayNext()
		}
	}
}

func (s *fakeSource) ReturnToZero() {
	s.rtzs++
	for _, t := range s.tracks {
		t.played = -1
	}
}

func (s *fakeSource) Stopped() {
	s.stops++
	for _, t := range s.tracks {
		t.Off(true)
	}
}

func TestSetSourceResetsState(t *testing.T) {
	s := NewSequencer()
	src := newFakeSource(480)

	s.SetBPM(93)
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	if s.BPM() != 120 {
		t.Errorf("expected bpm reset to 120, got %v", s.BPM())
	}
	if s.TickPosition() != 0 {
		t.Errorf("expected tick 0, got %d", s.TickPosition())
	}
	if src.control == nil {
		t.Error("source did not receive the back-channel")
	}
	if src.rtzs != 1 {
		t.Errorf("expected 1 rewind, got %d", src.rtzs)
	}
	if src.stops != 1 {
		t.Errorf("expected 1 stop propagation, got %d", src.stops)
	}
}

func TestSetSourceValidation(t *testing.T) {
	s := NewSequencer()

	if err := s.SetSource(nil); err != ErrNoSource {
		t.Errorf("nil source: expected ErrNoSource, got %v", err)
	}
	if err := s.SetSource(newFakeSource(0)); err == nil {
		t.Error("zero resolution: expected error")
	}

	if err := s.SetClocksPerQuarter(24); err != nil {
		t.Fatalf("SetClocksPerQuarter: %v", err)
	}
	if err := s.SetSource(newFakeSource(100)); err != ErrClockDivision {
		t.Errorf("100 %% 24 != 0: expected ErrClockDivision, got %v", err)
	}
	if err := s.SetSource(newFakeSource(96)); err != nil {
		t.Errorf("96 %% 24 == 0: expected success, got %v", err)
	}
}

func TestSetClocksPerQuarterValidation(t *testing.T) {
	s := NewSequencer()
	if err := s.SetSource(newFakeSource(480)); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	if err := s.SetClocksPerQuarter(-1); err == nil {
		t.Error("negative: expected error")
	}
	if err := s.SetClocksPerQuarter(7); err != ErrClockDivision {
		t.Errorf("480 %% 7 != 0: expected ErrClockDivision, got %v", err)
	}
	if err := s.SetClocksPerQuarter(960); err != ErrClockDivision {
		t.Errorf("960 > 480: expected ErrClockDivision, got %v", err)
	}
	if err := s.SetClocksPerQuarter(24); err != nil {
		t.Errorf("24 divides 480: expected success, got %v", err)
	}
	if err := s.SetClocksPerQuarter(0); err != nil {
		t.Errorf("0 selects master: expected success, got %v", err)
	}
}

func TestPlayStopIdempotentAndGuarded(t *testing.T) {
	s := NewSequencer()

	if err := s.Play(); err != ErrNoSource {
		t.Errorf("play with no source: expected ErrNoSource, got %v", err)
	}
	if err := s.Stop(); err != ErrNoSource {
		t.Errorf("stop with no source: expected ErrNoSource, got %v", err)
	}

	src := newFakeSource(480)
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	done := make(chan struct{})
	s.AddListener(func(running bool) {
		if !running {
			close(done)
		}
	})

	// stop before any play is a no-op
	if err := s.Stop(); err != nil {
		t.Fatalf("stop while stopped: %v", err)
	}

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Errorf("second play must be a no-op, got %v", err)
	}
	if !s.Running() {
		t.Error("expected running")
	}

	// mutators are forbidden while the engine thread is alive
	if err := s.SetSource(newFakeSource(480)); err != ErrRunning {
		t.Errorf("SetSource while running: expected ErrRunning, got %v", err)
	}
	if err := s.SetClocksPerQuarter(24); err != ErrRunning {
		t.Errorf("SetClocksPerQuarter while running: expected ErrRunning, got %v", err)
	}
	if err := s.ReturnToZero(); err != ErrRunning {
		t.Errorf("ReturnToZero while running: expected ErrRunning, got %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not drain within a second")
	}

	// the shutdown protocol ran exactly once past the initial binding
	if src.stops != 2 {
		t.Errorf("expected stopped propagation on drain, got %d", src.stops)
	}
}

func TestMonotonicTickWhilePlaying(t *testing.T) {
	s := NewSequencer()
	if err := s.SetSource(newFakeSource(480)); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer func() { _ = s.Stop() }()

	prev := int64(-1)
	for i := 0; i < 50; i++ {
		tick := s.TickPosition()
		if tick < prev {
			t.Fatalf("tick went backwards: %d after %d", tick, prev)
		}
		prev = tick
		time.Sleep(2 * time.Millisecond)
	}
	if prev == 0 {
		t.Error("tick never advanced over 100 ms of play")
	}
}

// driveMaster pumps a master clock with synthetic 1 ms intervals,
// bypassing the engine thread so timing is deterministic.
func driveMaster(clk *masterClock, millis int) {
	for i := 0; i < millis; i++ {
		clk.interval(1000)
	}
}

func TestMasterRateLaw(t *testing.T) {
	s := NewSequencer()
	if err := s.SetSource(newFakeSource(480)); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	// 120 bpm at 480 ticks per quarter is 960 ticks per second
	clk := &masterClock{s: s}
	driveMaster(clk, 1000)

	got := s.TickPosition()
	if got < 959 || got > 960 {
		t.Errorf("expected ~960 ticks after 1 s, got %d", got)
	}
}

func TestMasterTempoFactor(t *testing.T) {
	s := NewSequencer()
	if err := s.SetSource(newFakeSource(480)); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	s.SetTempoFactor(0.5)

	clk := &masterClock{s: s}
	driveMaster(clk, 1000)

	got := s.TickPosition()
	if got < 479 || got > 480 {
		t.Errorf("expected ~480 ticks at half speed, got %d", got)
	}
}

func TestEventsPlayInTickOrder(t *testing.T) {
	s := NewSequencer()
	trk := newFakeTrack("t", 0, 480, 960)
	var played []int64
	trk.onPlay = func(tick int64) { played = append(played, tick) }

	src := newFakeSource(480, trk)
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	// the engine positions the source before the first interval
	s.syncSource()

	clk := &masterClock{s: s}
	driveMaster(clk, 750)

	if len(played) != 2 || played[0] != 0 || played[1] != 480 {
		t.Fatalf("expected events 0 and 480 after 750 ms, got %v", played)
	}
	if trk.NextTick() != 960 {
		t.Errorf("expected event 960 still pending, got %d", trk.NextTick())
	}
}

func TestTempoChangeFromBackChannel(t *testing.T) {
	s := NewSequencer()
	trk := newFakeTrack("t", 0, 480)

	src := newFakeSource(480, trk)
	// the event at 480 is a tempo change to 60 bpm, delivered through
	// the back-channel as a meta event would be
	trk.onPlay = func(tick int64) {
		if tick == 480 {
			src.control.SetBPM(60)
		}
	}
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	s.syncSource()

	clk := &masterClock{s: s}
	// a bit over 500 ms at 120 bpm covers the first 480 ticks, then
	// the rest of the distance runs at 60 bpm
	driveMaster(clk, 510)
	if s.BPM() != 60 {
		t.Fatalf("expected tempo change applied at tick 480, bpm is %v", s.BPM())
	}
	driveMaster(clk, 990)

	got := s.TickPosition()
	if got < 958 || got > 961 {
		t.Errorf("expected ~960 ticks across the tempo change, got %d", got)
	}
}

func TestSyncRepositionOffset(t *testing.T) {
	s := NewSequencer()
	src := newFakeSource(480)
	src.syncOffsets = []int64{100}
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	s.syncSource()

	if got := s.TickPosition(); got != 100 {
		t.Errorf("expected tick 0 + offset 100, got %d", got)
	}
	if len(src.playTicks) != 1 || src.playTicks[0] != 100 {
		t.Errorf("expected PlayToTick to receive the shifted tick, got %v", src.playTicks)
	}
	if len(src.syncTicks) != 1 || src.syncTicks[0] != 0 {
		t.Errorf("expected Sync to see the pre-offset tick, got %v", src.syncTicks)
	}
}

func TestStopOnEmpty(t *testing.T) {
	s := NewSequencer()
	src := newFakeSource(480, newFakeTrack("t"))
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	s.SetStopOnEmpty(true)

	done := make(chan struct{})
	s.AddListener(func(running bool) {
		if !running {
			close(done)
		}
	})

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		_ = s.Stop()
		t.Fatal("expected auto-stop on an exhausted source")
	}
	if s.Running() {
		t.Error("expected not running after auto-stop")
	}
}

func TestListenerNotifications(t *testing.T) {
	s := NewSequencer()
	src := newFakeSource(480)
	if err := s.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	var states []bool
	done := make(chan struct{})
	s.AddListener(func(running bool) {
		states = append(states, running)
		if !running {
			close(done)
		}
	})

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no stop notification")
	}

	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("expected [true false], got %v", states)
	}
}
