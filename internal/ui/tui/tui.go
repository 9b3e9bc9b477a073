package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/felixgeelhaar/murmur/internal/store"
)

// TUI feeds a running program from the watcher's read loop.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) Apply(frame []byte) {
	t.program.Send(FrameMsg(frame))
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))

	userStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF"))
	agentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
)

// Item is one event of the room as last seen.
type Item struct {
	ID        string
	Type      string
	Author    string
	Content   string
	Reasoning *store.ReasoningPayload
	Tool      *store.ToolPayload
}

type Model struct {
	Title    string
	Status   string
	Items    []Item
	Log      []string
	Spinner  spinner.Model
	Viewport viewport.Model
	Quitting bool
	Ready    bool
	Width    int
	Height   int

	index map[string]int
}

type FrameMsg []byte
type StatusMsg string
type LogMsg string

func NewModel(title string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = infoStyle
	return Model{
		Title:   title,
		Status:  "Connecting...",
		Spinner: s,
		index:   make(map[string]int),
	}
}

func (m Model) Init() tea.Cmd {
	return m.Spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, msg.Height-4)
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = msg.Height - 4
		}
		m.refresh()

	case FrameMsg:
		m = m.apply(msg)
		m.refresh()

	case StatusMsg:
		m.Status = string(msg)

	case LogMsg:
		m.Log = append(m.Log, string(msg))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		cmds = append(cmds, cmd)
		if m.Busy() {
			m.refresh()
		}
	}

	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// apply upserts the event carried by frame, or follows a title change.
// Frames that cannot be decoded are logged.
func (m Model) apply(frame []byte) Model {
	var f struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Author  string          `json:"author"`
		Content string          `json:"content"`
		Payload json.RawMessage `json:"payload"`
		Data    struct {
			Title string `json:"title"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		m.Log = append(m.Log, "undecodable frame: "+err.Error())
		return m
	}
	if f.Type == "chat_title_updated" {
		m.Title = f.Data.Title
		return m
	}
	if f.ID == "" {
		return m
	}

	it := Item{ID: f.ID, Type: f.Type, Author: f.Author, Content: f.Content}
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		switch f.Type {
		case string(store.KindReasoning):
			var p store.ReasoningPayload
			if json.Unmarshal(f.Payload, &p) == nil {
				it.Reasoning = &p
			}
		case string(store.KindTool):
			var p store.ToolPayload
			if json.Unmarshal(f.Payload, &p) == nil {
				it.Tool = &p
			}
		}
	}

	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[it.ID]; ok {
		m.Items[i] = it
	} else {
		m.index[it.ID] = len(m.Items)
		m.Items = append(m.Items, it)
	}
	return m
}

// Busy reports whether any reasoning or tool event is still running.
func (m Model) Busy() bool {
	for _, it := range m.Items {
		if it.Reasoning != nil && it.Reasoning.Status == store.ReasoningInProgress {
			return true
		}
		if it.Tool != nil && it.Tool.Status == store.ToolStarted {
			return true
		}
	}
	return false
}

func (m *Model) refresh() {
	if !m.Ready {
		return
	}
	lines := make([]string, 0, len(m.Items))
	for _, it := range m.Items {
		lines = append(lines, m.render(it))
	}
	m.Viewport.SetContent(strings.Join(lines, "\n"))
	m.Viewport.GotoBottom()
}

func (m Model) render(it Item) string {
	switch it.Type {
	case string(store.KindReasoning):
		head := it.Content
		if it.Reasoning != nil && it.Reasoning.Status == store.ReasoningInProgress {
			head = m.Spinner.View() + " " + head
		} else {
			head = "✓ " + head
		}
		var b strings.Builder
		b.WriteString(dimStyle.Render(head))
		if it.Reasoning != nil {
			for _, step := range it.Reasoning.Trajectory {
				b.WriteString("\n" + dimStyle.Render("  · "+step))
			}
		}
		return b.String()

	case string(store.KindTool):
		var b strings.Builder
		status := ""
		if it.Tool != nil {
			status = string(it.Tool.Status)
		}
		b.WriteString(infoStyle.Render(fmt.Sprintf("⚙ %s [%s]", it.Content, status)))
		if it.Tool != nil {
			for _, call := range it.Tool.ToolCalls {
				line := fmt.Sprintf("  - %s %s", call.ToolName, call.Status)
				if call.Error != "" {
					line += ": " + call.Error
				}
				b.WriteString("\n" + dimStyle.Render(line))
			}
		}
		return b.String()

	case string(store.KindError):
		return errorStyle.Render("! " + it.Content)
	}

	if it.Author == string(store.AuthorUser) {
		return userStyle.Render("you") + " " + it.Content
	}
	return agentStyle.Render("agent") + " " + it.Content
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  " + m.Status
	}

	header := titleStyle.Render(" " + m.Title + " ")
	status := infoStyle.Render(fmt.Sprintf(" %s ", m.Status))
	if m.Busy() {
		status += " " + m.Spinner.View()
	}

	view := fmt.Sprintf("%s%s\n\n%s", header, status, m.Viewport.View())

	if m.Quitting {
		return view + "\n  Quitting...\n"
	}

	return view
}
