package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/drapik/tg-stream-bot/internal/registry"
)

// HistorySource is the read side of the registry.
type HistorySource interface {
	RecentAcquisitions(ctx context.Context, limit int) ([]registry.Acquisition, error)
}

type historyLoadedMsg struct {
	rows []registry.Acquisition
	at   time.Time
}

type historyErrMsg struct{ err error }

// History browses recent acquisitions. Enter toggles the detail pane and
// r reloads from the store.
type History struct {
	src   HistorySource
	limit int
	theme Theme

	width  int
	height int

	rows       []registry.Acquisition
	loadedAt   time.Time
	err        error
	showDetail bool

	table  table.Model
	detail viewport.Model
}

func NewHistory(src HistorySource, limit int) *History {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Backend", Width: 10},
			{Title: "Title", Width: 36},
			{Title: "Size", Width: 10},
			{Title: "Took", Width: 8},
			{Title: "Finished", Width: 16},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &History{
		src:    src,
		limit:  limit,
		theme:  NewDefaultTheme(),
		table:  t,
		detail: viewport.New(80, 10),
	}
}

func (m History) Init() tea.Cmd {
	return m.load()
}

func (m History) load() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rows, err := m.src.RecentAcquisitions(ctx, m.limit)
		if err != nil {
			return historyErrMsg{err: err}
		}
		return historyLoadedMsg{rows: rows, at: time.Now()}
	}
}

func (m History) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load()
		case "enter":
			m.showDetail = !m.showDetail
			m.refreshDetail()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(m.height/2, 5))
		m.detail.Width = m.width - 6
		m.detail.Height = max(m.height/3, 5)

	case historyLoadedMsg:
		m.rows = msg.rows
		m.loadedAt = msg.at
		m.err = nil
		m.table.SetRows(historyRows(m.theme, msg.rows))
		m.refreshDetail()
		return m, nil

	case historyErrMsg:
		m.err = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	m.refreshDetail()
	return m, cmd
}

// Selected returns the highlighted acquisition.
func (m History) Selected() (registry.Acquisition, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return registry.Acquisition{}, false
	}
	return m.rows[i], true
}

func (m *History) refreshDetail() {
	if !m.showDetail {
		return
	}
	a, ok := m.Selected()
	if !ok {
		m.detail.SetContent("")
		return
	}
	m.detail.SetContent(DetailText(a))
}

func (m History) View() string {
	var sections []string

	header := fmt.Sprintf("%d acquisitions", len(m.rows))
	if !m.loadedAt.IsZero() {
		header += " · loaded " + m.loadedAt.Format("15:04:05")
	}
	if m.err != nil {
		header += " · " + m.theme.StatusFailed.Render("error: "+m.err.Error())
	}
	sections = append(sections, m.theme.Title.Render("History")+" "+m.theme.Dim.Render(header))

	if len(m.rows) == 0 && m.err == nil {
		sections = append(sections, m.theme.Dim.Render("  No acquisitions recorded yet."))
	} else {
		sections = append(sections, m.theme.Border.Render(m.table.View()))
	}

	if m.showDetail {
		sections = append(sections, m.theme.Border.Render(m.detail.View()))
	}
	sections = append(sections, m.theme.Help.Render(" [q] Quit • [↑/↓] Move • [enter] Details • [r] Reload"))

	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func historyRows(th Theme, rows []registry.Acquisition) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, a := range rows {
		size := "-"
		if a.SizeBytes > 0 {
			size = humanize.IBytes(uint64(a.SizeBytes))
		}
		out = append(out, table.Row{
			statusMark(th, a.Status),
			a.Backend,
			rowTitle(a),
			size,
			a.FinishedAt.Sub(a.StartedAt).Round(100 * time.Millisecond).String(),
			a.FinishedAt.Local().Format("01-02 15:04:05"),
		})
	}
	return out
}

func statusMark(th Theme, s registry.Status) string {
	switch s {
	case registry.StatusSucceeded:
		return th.StatusOK.Render("●")
	case registry.StatusRejected:
		return th.StatusRejected.Render("○")
	default:
		return th.StatusFailed.Render("∅")
	}
}

func rowTitle(a registry.Acquisition) string {
	switch {
	case a.Status == registry.StatusSucceeded && a.Title != "":
		return a.Title
	case a.Cause != "" && a.LastCause != "":
		return a.Cause + "/" + a.LastCause
	case a.Cause != "":
		return a.Cause
	}
	return a.URL
}

// DetailText renders every stored field of one acquisition.
func DetailText(a registry.Acquisition) string {
	var b strings.Builder
	line := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "%-10s %s\n", k+":", v)
	}
	line("ID", a.ID)
	line("Status", string(a.Status))
	line("URL", a.URL)
	line("Backend", a.Backend)
	line("Source", a.Source)
	line("User", fmt.Sprintf("%d (chat %d)", a.UserID, a.ChatID))
	line("Title", a.Title)
	line("Cause", a.Cause)
	line("Last", a.LastCause)
	line("Profile", a.Profile)
	line("Attempts", fmt.Sprint(a.Attempts))
	if a.SizeBytes > 0 {
		line("Size", humanize.IBytes(uint64(a.SizeBytes)))
	}
	if a.Duration > 0 {
		line("Length", a.Duration.String())
	}
	line("Started", a.StartedAt.Local().Format(time.DateTime))
	line("Finished", a.FinishedAt.Local().Format(time.DateTime))
	return strings.TrimRight(b.String(), "\n")
}
