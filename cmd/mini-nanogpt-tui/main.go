// Command mini-nanogpt-tui is a terminal dashboard for training runs. It
// runs the orchestrator in-process and renders its progress events live:
// loss curves, learning rate, step progress and checkpoint activity.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/config"
	"github.com/shadow01a/mini-nanoGPT/pkg/dataset"
	"github.com/shadow01a/mini-nanoGPT/pkg/events"
	"github.com/shadow01a/mini-nanoGPT/pkg/train"
)

var (
	brand  = lipgloss.Color("81")
	subtle = lipgloss.Color("241")
	border = lipgloss.Color("238")
)

type styles struct {
	title      lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	dim        lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	lossLine   lipgloss.Style
	valLine    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:      lipgloss.NewStyle().Bold(true).Foreground(brand),
		panel:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Bold(true).Foreground(brand),
		dim:        lipgloss.NewStyle().Foreground(subtle),
		ok:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		lossLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		valLine:    lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	}
}

type keyMap struct {
	Start key.Binding
	Stop  key.Binding
	Quit  key.Binding
}

type progressMsg events.ProgressEvent
type busClosedMsg struct{}
type doneMsg struct{ err error }
type animTickMsg struct{ ts time.Time }

type run struct {
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan error
}

type model struct {
	styles styles
	keys   keyMap
	cfg    config.Config

	spin    spinner.Model
	logView viewport.Model

	run    *run
	status string

	step      int
	total     int
	trainLoss float64
	valLoss   float64
	lr        float64
	elapsed   time.Duration
	eta       time.Duration

	lossSeries []float64
	valSeries  []float64

	// Spring-smoothed progress fraction for the step bar.
	spring     harmonica.Spring
	barPos     float64
	barVel     float64
	barTarget  float64
	lines      []string
	width      int
	checkpoint string
}

func initialModel(cfg config.Config) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(brand)

	vp := viewport.New(100, 12)
	vp.SetContent("progress events will appear here")

	return model{
		styles:  defaultStyles(),
		cfg:     cfg,
		spin:    sp,
		logView: vp,
		status:  "idle",
		total:   cfg.MaxSteps,
		spring:  harmonica.NewSpring(harmonica.FPS(30), 6.0, 1.0),
		width:   100,
		keys: keyMap{
			Start: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
			Stop:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
			Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, animTickCmd())
}

func animTickCmd() tea.Cmd {
	return tea.Tick(time.Second/30, func(ts time.Time) tea.Msg { return animTickMsg{ts: ts} })
}

func waitEventCmd(bus *events.Bus) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-bus.Events()
		if !ok {
			return busClosedMsg{}
		}
		return progressMsg(ev)
	}
}

func waitDoneCmd(done chan error) tea.Cmd {
	return func() tea.Msg { return doneMsg{err: <-done} }
}

// startRun loads the dataset and launches the orchestrator on its own
// goroutine. The TUI only observes; all training state stays inside the run.
func (m *model) startRun() tea.Cmd {
	ds, err := dataset.Load(m.cfg.DataDir)
	if err != nil {
		m.addLine("cannot load dataset: " + err.Error())
		return nil
	}
	store := checkpoint.NewStore(m.cfg.OutDir)
	bus := events.NewBus(256)
	orch := train.New(m.cfg, ds, store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- orch.Run(ctx)
		bus.Close()
	}()

	m.run = &run{bus: bus, cancel: cancel, done: done}
	m.status = "training"
	m.step, m.trainLoss, m.valLoss = 0, 0, 0
	m.lossSeries, m.valSeries = nil, nil
	m.addLine(fmt.Sprintf("run started: %d steps, world size %d", m.cfg.MaxSteps, m.cfg.WorldSize))
	return tea.Batch(waitEventCmd(bus), waitDoneCmd(done))
}

func (m *model) addLine(line string) {
	m.lines = append(m.lines, time.Now().Format("15:04:05 ")+line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	m.logView.SetContent(strings.Join(m.lines, "\n"))
	m.logView.GotoBottom()
}

func (m *model) applyEvent(ev events.ProgressEvent) {
	m.step = ev.Step
	if ev.Total > 0 {
		m.total = ev.Total
	}
	if ev.TrainLoss != nil {
		m.trainLoss = *ev.TrainLoss
		if ev.Phase == events.PhaseEval {
			m.lossSeries = append(m.lossSeries, *ev.TrainLoss)
		}
	}
	if ev.ValLoss != nil {
		m.valLoss = *ev.ValLoss
		m.valSeries = append(m.valSeries, *ev.ValLoss)
	}
	if ev.LR > 0 {
		m.lr = ev.LR
	}
	m.elapsed, m.eta = ev.Elapsed, ev.ETA
	if m.total > 0 {
		m.barTarget = float64(m.step) / float64(m.total)
	}
	if ev.Checkpoint != "" {
		m.checkpoint = ev.Checkpoint
	}

	switch {
	case ev.Terminal && ev.Err != "":
		m.addLine("terminal: " + ev.Err)
	case ev.Terminal:
		m.addLine(ev.Message + " -> " + ev.Checkpoint)
	case ev.Phase == events.PhaseEval:
		line := fmt.Sprintf("step %d: eval train %.4f", ev.Step, m.trainLoss)
		if ev.ValLoss != nil {
			line += fmt.Sprintf(" val %.4f", *ev.ValLoss)
		}
		if ev.Checkpoint != "" {
			line += " (best)"
		}
		m.addLine(line)
	default:
		m.addLine(fmt.Sprintf("step %d: loss %.4f lr %.6f", ev.Step, m.trainLoss, ev.LR))
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.logView.Width = max(40, msg.Width-6)
		m.logView.Height = max(6, msg.Height-18)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.run != nil {
				m.run.cancel()
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Start):
			if m.run == nil || m.status != "training" {
				return m, m.startRun()
			}
		case key.Matches(msg, m.keys.Stop):
			if m.run != nil && m.status == "training" {
				m.run.cancel()
				m.status = "stopping"
				m.addLine("stop requested, finishing current step")
			}
		}
		return m, nil

	case progressMsg:
		m.applyEvent(events.ProgressEvent(msg))
		return m, waitEventCmd(m.run.bus)

	case busClosedMsg:
		return m, nil

	case doneMsg:
		switch {
		case msg.err == nil:
			m.status = "completed"
		case m.status == "stopping":
			m.status = "stopped"
		default:
			m.status = "failed"
			m.addLine("run failed: " + msg.err.Error())
		}
		return m, nil

	case animTickMsg:
		m.barPos, m.barVel = m.spring.Update(m.barPos, m.barVel, m.barTarget)
		return m, animTickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	return m, cmd
}

func (m model) View() string {
	s := m.styles
	var b strings.Builder

	b.WriteString(s.title.Render("mini-nanogpt") + "  " + m.statusBadge() + "\n\n")

	stats := fmt.Sprintf("step %d/%d   loss %.4f   val %.4f   lr %.6f   elapsed %s   eta %s",
		m.step, m.total, m.trainLoss, m.valLoss, m.lr,
		m.elapsed.Round(time.Second), m.eta.Round(time.Second))
	b.WriteString(s.panel.Render(s.panelTitle.Render("run") + "\n" + stats + "\n" + m.progressBar(max(20, m.width-10))))
	b.WriteString("\n")

	graphW := max(20, m.width-10)
	b.WriteString(s.panel.Render(s.panelTitle.Render("loss") + "\n" +
		s.lossLine.Render("train "+sparkline(m.lossSeries, graphW-6)) + "\n" +
		s.valLine.Render("val   "+sparkline(m.valSeries, graphW-6))))
	b.WriteString("\n")

	b.WriteString(s.panel.Render(s.panelTitle.Render("events") + "\n" + m.logView.View()))
	b.WriteString("\n")

	if m.checkpoint != "" {
		b.WriteString(s.dim.Render("checkpoint: "+m.checkpoint) + "\n")
	}
	b.WriteString(s.dim.Render("s start · x stop · q quit"))
	return b.String()
}

func (m model) statusBadge() string {
	switch m.status {
	case "training":
		return m.spin.View() + m.styles.warn.Render("training")
	case "completed":
		return m.styles.ok.Render("completed")
	case "failed":
		return m.styles.warn.Render("failed")
	case "stopping":
		return m.spin.View() + m.styles.warn.Render("stopping")
	case "stopped":
		return m.styles.dim.Render("stopped")
	default:
		return m.styles.dim.Render("idle")
	}
}

func (m model) progressBar(w int) string {
	filled := int(m.barPos * float64(w))
	if filled > w {
		filled = w
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", w-filled) + "]"
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline renders the last w points of series scaled into block glyphs.
func sparkline(series []float64, w int) string {
	if len(series) == 0 {
		return strings.Repeat(" ", w)
	}
	if len(series) > w {
		series = series[len(series)-w:]
	}
	lo, hi := series[0], series[0]
	for _, v := range series {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	var b strings.Builder
	for _, v := range series {
		idx := 0
		if span > 0 {
			idx = int((v - lo) / span * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func main() {
	cfg := config.Default().FromEnv()
	if _, err := tea.NewProgram(initialModel(cfg), tea.WithAltScreen()).Run(); err != nil {
		log.Printf("tui: %v", err)
		os.Exit(1)
	}
}
