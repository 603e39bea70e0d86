package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"midiseq/internal/audio"
	"midiseq/internal/config"
	"midiseq/internal/seq"
	"midiseq/internal/smfsrc"
	"midiseq/internal/tui"
)

var (
	playPort     string
	playSynth    bool
	playMTC      bool
	playFPS      int
	playFactor   float64
	playSyncPort string
	playClocks   int
	playTUI      bool
)

var playCmd = &cobra.Command{
	Use:   "play FILE",
	Short: "Play a standard MIDI file",
	Long: `Play a standard MIDI file to a MIDI output port or the built-in synth.

By default playback follows the file's own tempo map. With --sync-port
the sequencer instead locks onto MIDI timing-clock pulses arriving on
that input port (--clocks-per-quarter pulses per quarter note, 24 for
standard MIDI clock). With --mtc it also generates MTC quarter frames
on the output.

Example:
  midiseq play song.mid --synth --mtc --fps 25
`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().StringVarP(&playPort, "port", "p", "", "MIDI output port (substring match, default from config)")
	playCmd.Flags().BoolVar(&playSynth, "synth", false, "Play through the built-in synth instead of a MIDI port")
	playCmd.Flags().BoolVar(&playMTC, "mtc", false, "Generate MTC quarter frames")
	playCmd.Flags().IntVar(&playFPS, "fps", 25, "MTC frame rate: 24, 25 or 30")
	playCmd.Flags().Float64Var(&playFactor, "factor", 1.0, "Tempo factor (playback rate scaling)")
	playCmd.Flags().StringVar(&playSyncPort, "sync-port", "", "MIDI input port whose timing clock drives playback")
	playCmd.Flags().IntVar(&playClocks, "clocks-per-quarter", 24, "External clock pulses per quarter note (with --sync-port)")
	playCmd.Flags().BoolVar(&playTUI, "tui", false, "Show the transport view")
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cmd.Flags().Changed("port") {
		playPort = cfg.OutPort
	}
	if !cmd.Flags().Changed("sync-port") {
		playSyncPort = cfg.SyncPort
	}
	if !cmd.Flags().Changed("mtc") {
		playMTC = cfg.MTCEnabled
	}
	if !cmd.Flags().Changed("fps") && cfg.FrameRate != 0 {
		playFPS = cfg.FrameRate
	}
	if !cmd.Flags().Changed("factor") && cfg.TempoFactor != 0 {
		playFactor = cfg.TempoFactor
	}

	defer midi.CloseDriver()

	out, closeOut, err := openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	sm, err := smf.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	src, err := smfsrc.New(sm, out)
	if err != nil {
		return err
	}

	sequencer := seq.NewMTCSequencer(out)
	if err := sequencer.SetSource(src); err != nil {
		return err
	}
	sequencer.SetTempoFactor(playFactor)
	sequencer.SetMTCEnabled(playMTC)

	rate, err := seq.FrameRateFor(playFPS)
	if err != nil {
		return err
	}
	if err := sequencer.SetFrameRate(rate); err != nil {
		return err
	}

	if playSyncPort != "" {
		stopListen, err := listenClock(playSyncPort, sequencer)
		if err != nil {
			return err
		}
		defer stopListen()
		if err := sequencer.SetClocksPerQuarter(playClocks); err != nil {
			return err
		}
	}

	if playTUI {
		m := tui.NewTransport(sequencer, src.Name(), src.Resolution())
		p := tea.NewProgram(m, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("running transport view: %w", err)
		}
		return sequencer.Stop()
	}

	// Headless: play until the file runs out or we are interrupted.
	sequencer.SetStopOnEmpty(cfg.StopOnEmpty)

	done := make(chan struct{})
	var once sync.Once
	sequencer.AddListener(func(running bool) {
		if !running {
			once.Do(func() { close(done) })
		}
	})

	if err := sequencer.Play(); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
		if err := sequencer.Stop(); err != nil {
			return err
		}
		<-done
	case <-done:
	}
	return nil
}

// openOutput opens the configured sink: the built-in synth, or a MIDI
// output port matched by name, or the first available port.
func openOutput() (seq.Transport, func(), error) {
	if playSynth {
		synth, err := audio.NewSynth()
		if err != nil {
			return nil, nil, fmt.Errorf("starting synth: %w", err)
		}
		return synth, func() { _ = synth.Close() }, nil
	}

	outs := midi.GetOutPorts()
	if len(outs) == 0 {
		return nil, nil, fmt.Errorf("no MIDI output ports available (try --synth)")
	}
	out := outs[0]
	if playPort != "" {
		found := false
		for _, o := range outs {
			if strings.Contains(strings.ToLower(o.String()), strings.ToLower(playPort)) {
				out, found = o, true
				break
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("no MIDI output port matching %q", playPort)
		}
	}

	send, err := midi.SendTo(out)
	if err != nil {
		return nil, nil, fmt.Errorf("opening port %s: %w", out.String(), err)
	}
	return seq.TransportFunc(send), func() { _ = out.Close() }, nil
}

// listenClock feeds timing-clock pulses from a MIDI input port into the
// sequencer's slave clock.
func listenClock(name string, sequencer *seq.MTCSequencer) (func(), error) {
	ins := midi.GetInPorts()
	for _, in := range ins {
		if strings.Contains(strings.ToLower(in.String()), strings.ToLower(name)) {
			// the driver drops timing messages unless asked for them
			stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
				if msg.Is(midi.TimingClockMsg) {
					sequencer.Clock()
				}
			}, midi.UseTimeCode())
			if err != nil {
				return nil, fmt.Errorf("listening on %s: %w", in.String(), err)
			}
			return stop, nil
		}
	}
	return nil, fmt.Errorf("no MIDI input port matching %q", name)
}
