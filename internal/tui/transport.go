// Package tui provides the transport view: a small Bubbletea model
// showing the sequencer's position, tempo and timecode while it plays.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"midiseq/internal/seq"
)

const refreshInterval = 50 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	stoppedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	positionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

// TransportModel is the Bubbletea model for the transport view. It only
// reads the sequencer's published positions, so refreshing on a timer is
// safe while the engine thread runs.
type TransportModel struct {
	seq        *seq.MTCSequencer
	sourceName string
	resolution int

	message string
	width   int
	height  int
}

// NewTransport builds the transport view for a sequencer with a source
// already bound.
func NewTransport(s *seq.MTCSequencer, sourceName string, resolution int) *TransportModel {
	return &TransportModel{
		seq:        s,
		sourceName: sourceName,
		resolution: resolution,
	}
}

type refreshMsg time.Time

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *TransportModel) Init() tea.Cmd {
	return refreshTick()
}

func (m *TransportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshMsg:
		return m, refreshTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			_ = m.seq.Stop()
			return m, tea.Quit

		case " ":
			if m.seq.Running() {
				if err := m.seq.Stop(); err != nil {
					m.message = err.Error()
				}
			} else {
				if err := m.seq.Play(); err != nil {
					m.message = err.Error()
				}
			}
			return m, nil

		case "r":
			if err := m.seq.ReturnToZero(); err != nil {
				m.message = err.Error()
			} else {
				m.message = "rewound"
			}
			return m, nil

		case "+", "=":
			m.seq.SetTempoFactor(m.seq.TempoFactor() + 0.05)
			return m, nil

		case "-":
			m.seq.SetTempoFactor(m.seq.TempoFactor() - 0.05)
			return m, nil

		case "m":
			m.seq.SetMTCEnabled(!m.seq.MTCEnabled())
			return m, nil
		}
	}

	return m, nil
}

func (m *TransportModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("midiseq") + "\n\n")

	b.WriteString(labelStyle.Render("Source:   ") + m.sourceName + "\n")

	if m.seq.Running() {
		b.WriteString(labelStyle.Render("State:    ") + runningStyle.Render("● playing") + "\n")
	} else {
		b.WriteString(labelStyle.Render("State:    ") + stoppedStyle.Render("■ stopped") + "\n")
	}

	tick := m.seq.TickPosition()
	b.WriteString(labelStyle.Render("Position: ") +
		positionStyle.Render(formatBarsBeats(tick, m.resolution)) +
		labelStyle.Render(fmt.Sprintf("  (tick %d)", tick)) + "\n")

	b.WriteString(labelStyle.Render("Time:     ") +
		positionStyle.Render(formatMillis(m.seq.MillisecondPosition())) + "\n")

	b.WriteString(labelStyle.Render("Tempo:    ") +
		fmt.Sprintf("%.1f bpm  ×%.2f", m.seq.BPM(), m.seq.TempoFactor()) + "\n")

	mtc := "off"
	if m.seq.MTCEnabled() {
		mtc = "on, " + m.seq.FrameRate().String()
	}
	b.WriteString(labelStyle.Render("MTC:      ") + mtc + "\n")

	if m.seq.ClocksPerQuarter() > 0 {
		b.WriteString(labelStyle.Render("Clock:    ") +
			fmt.Sprintf("external, %d per quarter", m.seq.ClocksPerQuarter()) + "\n")
	}

	if m.message != "" {
		b.WriteString("\n" + m.message + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("space: play/stop  r: rewind  +/-: tempo factor  m: MTC  q: quit"))

	return b.String()
}

// formatBarsBeats renders a tick position as bar:beat:tick assuming 4/4.
func formatBarsBeats(tick int64, resolution int) string {
	if resolution <= 0 {
		return fmt.Sprintf("%d", tick)
	}
	res := int64(resolution)
	beats := tick / res
	return fmt.Sprintf("%d:%d:%03d", beats/4+1, beats%4+1, tick%res)
}

func formatMillis(millis int64) string {
	s := millis / 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", s/3600, s/60%60, s%60, millis%1000)
}
