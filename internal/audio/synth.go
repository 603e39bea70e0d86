// Package audio provides a polyphonic software synth that stands in
// for a hardware MIDI output, so playback is audible without any MIDI
// devices attached.
package audio

import (
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"
	"gitlab.com/gomidi/midi/v2"
)

const (
	sampleRate   = 44100
	channelCount = 2 // stereo
	bitDepth     = 2 // 16-bit
)

// Controller numbers the sequencer's flush sequence emits.
const (
	ccHoldPedal         = 64
	ccAllControllersOff = 121
	ccAllNotesOff       = 123
)

// WaveType represents different oscillator wave shapes
type WaveType int

const (
	WaveSine WaveType = iota
	WaveSquare
	WaveSawtooth
	WaveTriangle
)

// Voice represents a single playing note
type Voice struct {
	note      uint8
	channel   uint8
	velocity  uint8
	frequency float64
	phase     float64
	envelope  float64
	releasing bool
	sustained bool // held by the pedal after its note off
	active    bool
}

// Synth is a polyphonic synthesizer driven through the sequencer's
// Transport interface.
type Synth struct {
	mu           sync.Mutex
	otoCtx       *oto.Context
	player       *oto.Player
	voices       []*Voice
	maxVoices    int
	masterVolume float64
	waveTypes    [16]WaveType // wave type per MIDI channel
	sustain      [16]bool     // hold pedal state per MIDI channel
}

// NewSynth creates a new synthesizer and starts the audio stream.
func NewSynth() (*Synth, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channelCount,
		Format:       oto.FormatSignedInt16LE,
	}

	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-readyChan

	s := &Synth{
		otoCtx:       otoCtx,
		maxVoices:    64,
		masterVolume: 0.3,
	}

	// Assign different wave types to channels for variety
	s.waveTypes[0] = WaveSine
	s.waveTypes[1] = WaveTriangle
	s.waveTypes[2] = WaveSawtooth
	s.waveTypes[3] = WaveSquare
	for i := 4; i < 16; i++ {
		s.waveTypes[i] = WaveSine
	}

	s.player = otoCtx.NewPlayer(&synthReader{synth: s})
	s.player.Play()

	return s, nil
}

// Transport consumes an outbound sequencer message. Unrecognised
// messages are ignored.
func (s *Synth) Transport(msg midi.Message, _ int64) error {
	var channel, key, velocity uint8
	var controller, value uint8

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case msg.GetNoteStart(&channel, &key, &velocity):
		s.noteOn(channel, key, velocity)
	case msg.GetNoteEnd(&channel, &key):
		s.noteOff(channel, key)
	case msg.GetControlChange(&channel, &controller, &value):
		s.controlChange(channel, controller, value)
	}
	return nil
}

func (s *Synth) noteOn(channel, note, velocity uint8) {
	// Find an inactive voice, grow the pool, or steal the first voice in
	// the pool
	var voice *Voice
	for _, v := range s.voices {
		if !v.active {
			voice = v
			break
		}
	}
	if voice == nil {
		if len(s.voices) < s.maxVoices {
			voice = &Voice{}
			s.voices = append(s.voices, voice)
		} else {
			voice = s.voices[0]
		}
	}

	voice.note = note
	voice.channel = channel
	voice.velocity = velocity
	voice.frequency = midiNoteToFreq(note)
	voice.phase = 0
	voice.envelope = 0
	voice.releasing = false
	voice.sustained = false
	voice.active = true
}

func (s *Synth) noteOff(channel, note uint8) {
	for _, v := range s.voices {
		if v.active && v.note == note && v.channel == channel && !v.releasing && !v.sustained {
			if s.sustain[channel&0x0F] {
				v.sustained = true
			} else {
				v.releasing = true
			}
			break
		}
	}
}

func (s *Synth) controlChange(channel, controller, value uint8) {
	switch controller {
	case ccHoldPedal:
		down := value >= 64
		s.sustain[channel&0x0F] = down
		if !down {
			for _, v := range s.voices {
				if v.active && v.channel == channel && v.sustained {
					v.sustained = false
					v.releasing = true
				}
			}
		}
	case ccAllNotesOff:
		for _, v := range s.voices {
			if v.active && v.channel == channel {
				v.sustained = false
				v.releasing = true
			}
		}
	case ccAllControllersOff:
		s.sustain[channel&0x0F] = false
	}
}

// ActiveVoices returns how many voices are currently sounding.
func (s *Synth) ActiveVoices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.voices {
		if v.active {
			n++
		}
	}
	return n
}

// SetVolume sets the master volume (0.0 - 1.0)
func (s *Synth) SetVolume(vol float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vol < 0 {
		vol = 0
	} else if vol > 1 {
		vol = 1
	}
	s.masterVolume = vol
}

// Close shuts down the synthesizer
func (s *Synth) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.voices {
		v.active = false
	}
	// oto players are cleaned up when garbage collected
	return nil
}

// synthReader implements io.Reader for continuous audio generation
type synthReader struct {
	synth *Synth
}

func (r *synthReader) Read(buf []byte) (int, error) {
	s := r.synth
	s.mu.Lock()
	defer s.mu.Unlock()

	numSamples := len(buf) / (channelCount * bitDepth)

	for i := 0; i < numSamples; i++ {
		var sample float64

		for _, v := range s.voices {
			if !v.active {
				continue
			}

			waveType := s.waveTypes[v.channel%16]
			oscSample := generateWave(waveType, v.phase)

			velocityScale := float64(v.velocity) / 127.0
			sample += oscSample * velocityScale * v.envelope * 0.2

			v.phase += v.frequency / sampleRate
			if v.phase >= 1.0 {
				v.phase -= 1.0
			}

			if v.releasing {
				v.envelope *= 0.9995
				if v.envelope < 0.001 {
					v.active = false
				}
			} else if v.envelope < 1.0 {
				v.envelope += 0.001
				if v.envelope > 1.0 {
					v.envelope = 1.0
				}
			}
		}

		sample *= s.masterVolume
		if sample > 1.0 {
			sample = 1.0
		} else if sample < -1.0 {
			sample = -1.0
		}

		sampleInt := int16(sample * 32767)

		idx := i * channelCount * bitDepth
		buf[idx] = byte(sampleInt)
		buf[idx+1] = byte(sampleInt >> 8)
		buf[idx+2] = byte(sampleInt)
		buf[idx+3] = byte(sampleInt >> 8)
	}

	return len(buf), nil
}

func generateWave(waveType WaveType, phase float64) float64 {
	switch waveType {
	case WaveSine:
		return math.Sin(2 * math.Pi * phase)
	case WaveSquare:
		if phase < 0.5 {
			return 0.8
		}
		return -0.8
	case WaveSawtooth:
		return 2*phase - 1
	case WaveTriangle:
		if phase < 0.5 {
			return 4*phase - 1
		}
		return 3 - 4*phase
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}

// midiNoteToFreq converts a MIDI note number to frequency in Hz
func midiNoteToFreq(note uint8) float64 {
	// A4 (note 69) = 440 Hz
	return 440.0 * math.Pow(2.0, (float64(note)-69.0)/12.0)
}
