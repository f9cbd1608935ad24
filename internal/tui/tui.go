package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tldr-it-stepankutaj/modkit/internal/app"
	"github.com/tldr-it-stepankutaj/modkit/internal/catalog"
	"github.com/tldr-it-stepankutaj/modkit/internal/engine"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
	cursorStyle    = lipgloss.NewStyle().Bold(true)
	enabledStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	uncertainStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// model is a read-only browser over the module list.
type model struct {
	appCtx app.Context
	items  []engine.ModuleStatus
	cursor int
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Modules") + "\n\n")

	if len(m.items) == 0 {
		b.WriteString(mutedStyle.Render("no modules available") + "\n")
	}
	for i, item := range m.items {
		marker := stateMarker(item.State)
		line := fmt.Sprintf("%s %s", marker, item.Name)
		if i == m.cursor {
			line = cursorStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	if len(m.items) > 0 {
		selected := m.items[m.cursor]
		b.WriteString("\n" + mutedStyle.Render(detailLine(selected)) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("up/down: move  q: quit") + "\n")
	return b.String()
}

func stateMarker(s catalog.State) string {
	switch s {
	case catalog.Enabled:
		return enabledStyle.Render("[✓]")
	case catalog.Uncertain:
		return uncertainStyle.Render("[?]")
	default:
		return "[ ]"
	}
}

func detailLine(s engine.ModuleStatus) string {
	detail := s.State.String() + "  " + s.Path
	if s.Desc != "" {
		detail += "  " + s.Desc
	}
	return detail
}

// Run starts the browser over the given module list.
func Run(appCtx app.Context, items []engine.ModuleStatus) error {
	initial := model{appCtx: appCtx, items: items}
	_, err := tea.NewProgram(initial).Run()
	return err
}
