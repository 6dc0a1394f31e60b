package ui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"streamwalk/internal/failure"
	"streamwalk/internal/media"
	"streamwalk/internal/resolve"
)

// ResolveFunc runs one resolution, reporting transitions to obs.
type ResolveFunc func(ctx context.Context, obs resolve.Observer) (media.ResolutionResult, error)

type transitionMsg resolve.Transition

type doneMsg struct {
	result media.ResolutionResult
	err    error
}

// Model shows a spinner next to the provider being tried and one line per
// finished attempt.
type Model struct {
	spinner  spinner.Model
	request  string
	current  string
	lines    []string
	done     bool
	canceled bool
	cancel   context.CancelFunc
}

// NewModel creates the progress model for request. cancel is called when
// the user interrupts.
func NewModel(request string, cancel context.CancelFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = StyleProvider
	return Model{spinner: s, request: request, cancel: cancel}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			// The resolver sees the canceled context and finishes with a
			// doneMsg, which quits.
			if !m.canceled && m.cancel != nil {
				m.cancel()
			}
			m.canceled = true
		}
		return m, nil

	case transitionMsg:
		t := resolve.Transition(msg)
		switch t.State {
		case resolve.TryingProvider:
			m.current = t.ProviderID
		case resolve.ProviderFailed, resolve.Success:
			m.lines = append(m.lines, Describe(t))
			m.current = ""
		}
		return m, nil

	case doneMsg:
		m.done = true
		m.current = ""
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m Model) View() string {
	var b strings.Builder
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if m.done {
		return b.String()
	}
	switch {
	case m.canceled:
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), StyleDim.Render("canceling..."))
	case m.current != "":
		fmt.Fprintf(&b, "%s trying %s for %s\n", m.spinner.View(), StyleProvider.Render(m.current), m.request)
	default:
		fmt.Fprintf(&b, "%s resolving %s\n", m.spinner.View(), m.request)
	}
	return b.String()
}

// Describe renders the outcome of one attempt as a single line. States that
// carry no outcome render as their name.
func Describe(t resolve.Transition) string {
	switch t.State {
	case resolve.Success:
		return fmt.Sprintf("%s %s", StyleSuccess.Render("✓"), StyleProvider.Render(t.ProviderID))
	case resolve.ProviderFailed:
		msg := ""
		if t.Err != nil {
			msg = " " + StyleDim.Render(t.Err.Error())
		}
		return fmt.Sprintf("%s %s %s%s", StyleError.Render("✗"), StyleProvider.Render(t.ProviderID), failure.KindOf(t.Err), msg)
	case resolve.TryingProvider:
		return fmt.Sprintf("… %s", t.ProviderID)
	default:
		return t.State.String()
	}
}

// Run drives fn under a spinner written to out. The program reads no input
// when in is nil.
func Run(ctx context.Context, in io.Reader, out io.Writer, request string, fn ResolveFunc) (media.ResolutionResult, error) {
	// The program outlives the resolution context so it can render the
	// final lines after an interrupt.
	opts := []tea.ProgramOption{tea.WithOutput(out), tea.WithContext(ctx)}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if in == nil {
		opts = append(opts, tea.WithInput(nil))
	} else {
		opts = append(opts, tea.WithInput(in))
	}
	p := tea.NewProgram(NewModel(request, cancel), opts...)

	results := make(chan doneMsg, 1)
	go func() {
		res, err := fn(ctx, func(t resolve.Transition) { p.Send(transitionMsg(t)) })
		d := doneMsg{result: res, err: err}
		results <- d
		p.Send(d)
	}()

	if _, err := p.Run(); err != nil {
		// The program failed or was killed; the resolution still finishes.
		cancel()
	}
	d := <-results
	return d.result, d.err
}
