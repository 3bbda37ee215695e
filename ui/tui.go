package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// UIState is the aggregated view of one running job.
type UIState struct {
	// Family is the event prefix of the job: backup, transfer or upload.
	Family           string
	TotalCollections int
	Collections      []*CollectionState
	Done             bool
	Failed           bool
	// Message is the error of a failed job or the summary of a finished one.
	Message string
}

// CollectionState is the last reported progress of one collection.
type CollectionState struct {
	Name      string
	Index     int
	TotalDocs int64
	Count     int64
	Percent   *int
	Speed     int64
	ETASec    *int64
	Finished  bool
}

// FinishedCollections counts collections that reported collection-done.
func (s *UIState) FinishedCollections() int {
	n := 0
	for _, c := range s.Collections {
		if c.Finished {
			n++
		}
	}
	return n
}

// Docs sums the running counts of every collection.
func (s *UIState) Docs() int64 {
	var n int64
	for _, c := range s.Collections {
		n += c.Count
	}
	return n
}

func (s *UIState) clone() *UIState {
	out := *s
	out.Collections = make([]*CollectionState, len(s.Collections))
	for i, c := range s.Collections {
		cc := *c
		out.Collections[i] = &cc
	}
	return &out
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	state    *UIState
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle  lipgloss.Style
	infoStyle   lipgloss.Style
	streamStyle lipgloss.Style
	helpStyle   lipgloss.Style
	errorStyle  lipgloss.Style
}

// TUIUpdateMsg carries a fresh snapshot of the job state.
type TUIUpdateMsg struct {
	State *UIState
}

func NewTUIModel(initialState *UIState) TUIModel {
	if initialState == nil {
		initialState = &UIState{}
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		state:       initialState,
		spinner:     s,
		progress:    prog,
		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// State returns the snapshot the model last rendered.
func (m TUIModel) State() *UIState {
	return m.state
}

func (m TUIModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14
		if m.progress.Width > 60 {
			m.progress.Width = 60
		}
		if m.progress.Width < 10 {
			m.progress.Width = 10
		}

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.state = msg.State
		// A failure stays on screen until the user quits.
		if m.state.Done && !m.state.Failed {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	title := "Waiting for job"
	if m.state.Family != "" {
		title = strings.ToUpper(m.state.Family[:1]) + m.state.Family[1:]
	}
	sb.WriteString(fmt.Sprintf("%s docferry %s\n", m.spinner.View(), m.titleStyle.Render(title)))

	// Job progress counts finished collections.
	var percent float64
	finished := m.state.FinishedCollections()
	if m.state.TotalCollections > 0 {
		percent = float64(finished) / float64(m.state.TotalCollections)
	}
	info := fmt.Sprintf("Collections: %d/%d | Documents: %d", finished, m.state.TotalCollections, m.state.Docs())
	sb.WriteString(m.infoStyle.Render(info) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString("Collections:\n")
	var content strings.Builder
	if len(m.state.Collections) == 0 {
		content.WriteString(m.infoStyle.Render("No collections started..."))
	}
	for _, c := range m.state.Collections {
		bar := m.infoStyle.Render(strings.Repeat("·", m.progress.Width))
		if c.Percent != nil {
			bar = m.progress.ViewAs(float64(*c.Percent) / 100)
		}
		eta := formatETA(c.ETASec)
		if c.Finished {
			eta = "done"
		}
		name := c.Name
		if len(name) > 40 {
			name = "..." + name[len(name)-37:]
		}

		// Format: [===       ] 30% | 1.20k docs/s | 4s | 1200 | orders
		content.WriteString(fmt.Sprintf("%s | %-14s | %-14s | %d | %s\n",
			bar, m.streamStyle.Render(formatRate(c.Speed)), eta, c.Count, name))
	}

	m.viewport.SetContent(content.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit")
	if m.state.Failed {
		help = m.errorStyle.Render("Failed: "+m.state.Message) + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatRate(docsPerSec int64) string {
	if docsPerSec >= 1000*1000 {
		return fmt.Sprintf("%.2fM docs/s", float64(docsPerSec)/(1000*1000))
	} else if docsPerSec >= 1000 {
		return fmt.Sprintf("%.2fk docs/s", float64(docsPerSec)/1000)
	}
	return fmt.Sprintf("%d docs/s", docsPerSec)
}

func formatETA(etaSec *int64) string {
	if etaSec == nil {
		return "Calculating..."
	}
	if *etaSec <= 0 {
		return "0s"
	}

	d := time.Duration(*etaSec) * time.Second
	if d.Hours() > 24 {
		return "> 1d"
	}
	return d.String()
}
