package filetable

import (
	"github.com/SpatiumPortae/sship/cmd/sship/tui"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const (
	defaultMaxTableHeight         = 4
	nameColumnWidthFactor float64 = 0.8
	sizeColumnWidthFactor float64 = 1 - nameColumnWidthFactor
)

var fileTableStyle = tui.BaseStyle.Copy().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color(tui.SECONDARY_COLOR)).
	MarginLeft(tui.MARGIN)

type Option func(m *Model)

type fileRow struct {
	path string
	size int64
	done bool
}

// Model lists the entries of an item with their sizes. Entries verified on
// the receiving end are check marked.
type Model struct {
	Width     int
	MaxHeight int
	rows      []fileRow
	index     map[string]int
	table     table.Model
}

func New(opts ...Option) Model {
	m := Model{
		MaxHeight: defaultMaxTableHeight,
		index:     make(map[string]int),
		table: table.New(
			table.WithFocused(true),
			table.WithHeight(defaultMaxTableHeight),
		),
	}

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	m.table.SetStyles(s)

	m.updateColumns()
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithManifest lists the entries of m.
func WithManifest(m *manifest.Manifest) Option {
	return func(model *Model) {
		model.SetManifest(m)
	}
}

// SetManifest replaces the listed entries with those of m.
func (m *Model) SetManifest(mf *manifest.Manifest) {
	m.rows = m.rows[:0]
	m.index = make(map[string]int, len(mf.Entries))
	for _, e := range mf.Entries {
		name := e.Path
		if name == "" {
			name = mf.Root
		}
		m.index[name] = len(m.rows)
		m.rows = append(m.rows, fileRow{path: name, size: e.Size})
	}
	m.updateHeight()
	m.updateColumns()
	m.updateRows()
}

// MarkDone check marks the entry shown as name.
func (m *Model) MarkDone(name string) {
	if i, ok := m.index[name]; ok {
		m.rows[i].done = true
		m.updateRows()
	}
}

// Len returns the number of listed entries.
func (m Model) Len() int {
	return len(m.rows)
}

// Finalize shows every row and gives up the keyboard focus.
func (m Model) Finalize() tea.Model {
	m.table.Blur()
	m.MaxHeight = len(m.rows)
	m.updateHeight()
	return m
}

func (m *Model) updateHeight() {
	m.table.SetHeight(min(m.MaxHeight, len(m.rows)))
}

func (m *Model) getMaxWidth() int {
	return min(tui.MAX_WIDTH-2*tui.MARGIN, m.Width)
}

func (m *Model) updateColumns() {
	w := m.getMaxWidth()
	m.table.SetColumns([]table.Column{
		{Title: "File", Width: int(float64(w) * nameColumnWidthFactor)},
		{Title: "Size", Width: int(float64(w) * sizeColumnWidthFactor)},
	})
}

func (m *Model) updateRows() {
	var tableRows []table.Row
	maxFilePathWidth := int(float64(m.getMaxWidth()) * nameColumnWidthFactor)
	for _, row := range m.rows {
		path := row.path
		if row.done {
			path = "✓ " + path
		}
		// truncate overflowing file paths from the left
		if w := runewidth.StringWidth(path); w > maxFilePathWidth && maxFilePathWidth > 0 {
			path = runewidth.TruncateLeft(path, w-maxFilePathWidth+1, "…")
		}
		tableRows = append(tableRows, table.Row{path, tui.ByteCountSI(row.size)})
	}
	m.table.SetRows(tableRows)
}

func (Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.Width = msg.Width - 2*tui.MARGIN - 4
		if m.Width > tui.MAX_WIDTH {
			m.Width = tui.MAX_WIDTH
		}
		m.updateColumns()
		m.updateRows()
		return m, nil

	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	return fileTableStyle.Render(m.table.View()) + "\n\n"
}
