// Package cliui renders one flash run's progress as an interactive
// terminal program: a spinner plus a percentage bar driven by
// internal/flasher's Event stream, with a clipboard-copy binding on the
// error screen. The Model/Update/View shape and its use of bubbles,
// bubbletea, lipgloss, and atotto/clipboard together are adapted from the
// teacher's chat TUI in internal/cli/ui/ui.go, narrowed from a multi-pane
// chat/log/menu application down to the one screen bbflash-cli needs.
package cliui

import (
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/beagleboard/bbflash/internal/flasher"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle  = lipgloss.NewStyle().Faint(true)
)

// eventMsg carries one flasher.Event through bubbletea's Update loop.
type eventMsg flasher.Event

// doneMsg signals that the flash goroutine has returned.
type doneMsg struct{ err error }

// Model drives one flashing run's terminal progress display. It owns no
// device or driver state itself — it only renders whatever arrives on
// events/result, which the caller feeds from a goroutine running one of
// internal/flasher's Flash* entry points.
type Model struct {
	target   string
	spinner  spinner.Model
	progress progress.Model
	phase    string
	fraction float64
	err      error
	done     bool
	events   <-chan flasher.Event
	result   <-chan error
}

// New builds a Model for flashing target, reading progress from events and
// the terminal result from result.
func New(target string, events <-chan flasher.Event, result <-chan error) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	p := progress.New(progress.WithDefaultGradient())
	return Model{target: target, spinner: s, progress: p, phase: "Preparing", events: events, result: result}
}

// Run blocks until the flash run finishes, returning its terminal error (if
// any) after rendering progress to the terminal.
func Run(target string, events <-chan flasher.Event, result <-chan error) error {
	m, err := tea.NewProgram(New(target, events, result)).Run()
	if err != nil {
		return err
	}
	return m.(Model).err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events), waitForResult(m.result))
}

func waitForEvent(events <-chan flasher.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

func waitForResult(result <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-result}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			if m.err != nil {
				_ = clipboard.WriteAll(m.err.Error())
			}
			return m, nil
		}
	case eventMsg:
		m.phase, m.fraction = phaseLabel(flasher.Event(msg))
		return m, waitForEvent(m.events)
	case doneMsg:
		m.done = true
		m.err = msg.err
		if m.err != nil {
			return m, nil
		}
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func phaseLabel(e flasher.Event) (string, float64) {
	switch e.Kind {
	case flasher.Preparing:
		return "Preparing", 0
	case flasher.Downloading:
		return "Downloading", e.Fraction
	case flasher.Flashing:
		return "Flashing", e.Fraction
	case flasher.Verifying:
		return "Verifying", 0
	case flasher.VerifyingProgress:
		return "Verifying", e.Fraction
	case flasher.Customizing:
		return "Customizing", 0
	default:
		return "", 0
	}
}

func (m Model) View() string {
	if m.done {
		if m.err != nil {
			return errStyle.Render(fmt.Sprintf("flash of %s failed: %v", m.target, m.err)) + "\n" +
				hintStyle.Render("press c to copy error details, q to quit") + "\n"
		}
		return titleStyle.Render(fmt.Sprintf("flash of %s complete", m.target)) + "\n"
	}
	return fmt.Sprintf("%s %s %s\n", m.spinner.View(), m.phase, m.progress.ViewAs(m.fraction))
}
