package preview

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lepinkainen/feed-digest/pkg/feed"
)

// ViewMode represents the current view mode
type ViewMode int

// View modes for the preview TUI
const (
	ListViewMode ViewMode = iota
	DetailViewMode
	XMLViewMode
)

// sentimentFilters is the cycle order of the "s" key; empty shows everything
var sentimentFilters = []string{"", "POSITIVE", "NEUTRAL", "NEGATIVE"}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("12")).Bold(true)

	sentimentStyles = map[string]lipgloss.Style{
		"POSITIVE": lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"NEGATIVE": lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// Model is the Bubble Tea model of the digest browser
type Model struct {
	items     []feed.Item
	visible   []int // indexes into items that pass the filter
	filter    int   // index into sentimentFilters
	cursor    int   // position within visible
	selected  int   // index into items, -1 when none
	viewMode  ViewMode
	title     string
	generator *feed.Generator
	height    int
}

// NewModel creates a new preview model. generator renders the XML view.
func NewModel(items []feed.Item, title string, generator *feed.Generator) Model {
	m := Model{
		items:     items,
		title:     title,
		generator: generator,
		selected:  -1,
	}
	m.applyFilter()
	return m
}

// applyFilter rebuilds the visible list and clamps the cursor
func (m *Model) applyFilter() {
	want := sentimentFilters[m.filter]
	visible := make([]int, 0, len(m.items))
	for i, item := range m.items {
		if want == "" || strings.EqualFold(item.Sentiment, want) {
			visible = append(visible, i)
		}
	}
	m.visible = visible
	if m.cursor >= len(m.visible) {
		m.cursor = max(len(m.visible)-1, 0)
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.viewMode == ListViewMode {
			return m.updateListView(msg)
		}
		return m.updateDetailView(msg)
	}

	return m, nil
}

func (m Model) updateListView(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.visible)-1 {
			m.cursor++
		}

	case "s":
		m.filter = (m.filter + 1) % len(sentimentFilters)
		m.applyFilter()

	case "enter", "x":
		if len(m.visible) == 0 {
			break
		}
		m.selected = m.visible[m.cursor]
		m.viewMode = DetailViewMode
		if msg.String() == "x" {
			m.viewMode = XMLViewMode
		}
	}

	return m, nil
}

func (m Model) updateDetailView(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "esc":
		m.viewMode = ListViewMode

	case "x":
		if m.viewMode == DetailViewMode {
			m.viewMode = XMLViewMode
		} else {
			m.viewMode = DetailViewMode
		}
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	switch m.viewMode {
	case DetailViewMode:
		return m.renderItem(false)
	case XMLViewMode:
		return m.renderItem(true)
	default:
		return m.renderListView()
	}
}

// visibleRange returns the window of rows to draw so the cursor stays
// roughly centred on screens shorter than the list
func visibleRange(cursor, total, height int) (start, end int) {
	maxRows := height - 6 // header, footer and padding
	if height <= 0 || maxRows >= total {
		return 0, total
	}
	if maxRows < 1 {
		maxRows = 1
	}

	start = max(cursor-maxRows/2, 0)
	end = start + maxRows
	if end > total {
		end = total
		start = max(end-maxRows, 0)
	}
	return start, end
}

func (m Model) renderListView() string {
	var b strings.Builder

	header := fmt.Sprintf("Digest Preview - %s (%d of %d items)", m.title, len(m.visible), len(m.items))
	if f := sentimentFilters[m.filter]; f != "" {
		header += " [" + strings.ToLower(f) + "]"
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n\n")

	if len(m.visible) == 0 {
		b.WriteString("  No items match the filter\n")
	}

	start, end := visibleRange(m.cursor, len(m.visible), m.height)
	for row := start; row < end; row++ {
		idx := m.visible[row]
		item := m.items[idx]
		line := FormatCompactListItem(idx, item)

		switch style, ok := sentimentStyles[strings.ToUpper(item.Sentiment)]; {
		case row == m.cursor:
			b.WriteString(selectedStyle.Render("→ " + line))
		case ok:
			b.WriteString("  " + style.Render(line))
		default:
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(footerStyle.Render("↑/↓ or j/k: navigate • enter: details • x: XML • s: filter sentiment • q: quit"))

	return b.String()
}

// renderItem draws the selected item as text or as its Atom entry
func (m Model) renderItem(asXML bool) string {
	if m.selected < 0 || m.selected >= len(m.items) {
		return "No item selected"
	}
	item := m.items[m.selected]

	var b strings.Builder
	if asXML {
		b.WriteString(headerStyle.Render("XML Entry Preview"))
		b.WriteString("\n\n")
		b.WriteString(FormatXMLItem(item, m.generator))
	} else {
		b.WriteString(FormatDetailedItem(item))
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("esc: back to list • x: toggle XML view • q: quit"))

	return b.String()
}

// Run starts the Bubble Tea program
func Run(items []feed.Item, title string, generator *feed.Generator) error {
	if len(items) == 0 {
		fmt.Println("No items to preview")
		return nil
	}

	p := tea.NewProgram(NewModel(items, title, generator), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
