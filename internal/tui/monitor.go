package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/drapik/tg-stream-bot/internal/api"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

const (
	monitorEventLog = 50
	statusInterval  = 5 * time.Second
)

// Monitor follows a running bot through its ops API: the status endpoint
// is polled and the event stream is tailed.
type Monitor struct {
	baseURL string
	token   string
	client  *http.Client
	theme   Theme

	width  int
	height int

	status    api.StatusResponse
	hasStatus bool
	eventLog  []events.Event
	feed      chan events.Event
	err       error
}

type monitorEventMsg events.Event
type monitorStatusMsg api.StatusResponse
type monitorErrMsg struct{ err error }

func NewMonitor(baseURL, token string, client *http.Client) *Monitor {
	if client == nil {
		client = &http.Client{}
	}
	return &Monitor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		theme:   NewDefaultTheme(),
		feed:    make(chan events.Event, 100),
	}
}

func (m Monitor) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		m.receiveNextEvent(),
		m.pollStatus(),
		tea.EnterAltScreen,
	)
}

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorEventMsg:
		m.eventLog = append([]events.Event{events.Event(msg)}, m.eventLog...)
		if len(m.eventLog) > monitorEventLog {
			m.eventLog = m.eventLog[:monitorEventLog]
		}
		return m, m.receiveNextEvent()

	case monitorStatusMsg:
		m.status = api.StatusResponse(msg)
		m.hasStatus = true
		m.err = nil
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return m.fetchStatus()
		})

	case monitorErrMsg:
		m.err = msg.err
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return m.fetchStatus()
		})
	}
	return m, nil
}

func (m Monitor) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	w := m.width - 4

	eventsView := m.theme.Border.Width(w).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := m.theme.Help.Render(" [q] Quit")

	return m.theme.Doc.Render(
		lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(w), eventsView, help),
	)
}

func (m Monitor) renderHeader(w int) string {
	state := m.theme.StatusOK.Render("CONNECTED")
	switch {
	case m.err != nil:
		state = m.theme.StatusFailed.Render("UNREACHABLE")
	case !m.hasStatus:
		state = m.theme.Dim.Render("CONNECTING")
	}

	st := m.status
	items := []string{
		"API: " + state,
		fmt.Sprintf("Workers: %d  Queued: %d  Running: %d", st.Pool.Workers, st.Pool.Queued, st.Pool.Running),
		fmt.Sprintf("In flight: %d", st.InFlight),
		fmt.Sprintf("OK: %d  Failed: %d  Rejected: %d",
			st.Totals[registry.StatusSucceeded], st.Totals[registry.StatusFailed], st.Totals[registry.StatusRejected]),
	}
	if st.LastSweep != nil {
		items = append(items, "Last sweep: "+st.LastSweep.At.Local().Format("15:04"))
	}
	cols := make([]string, len(items))
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width(w / len(items)).Render(it)
	}
	return m.theme.Border.Width(w).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Monitor) renderEvents() string {
	limit := 15
	if m.height > 12 {
		limit = m.height - 12
	}
	var lines []string
	for i, e := range m.eventLog {
		if i >= limit {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-21s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Monitor) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	return req, nil
}

// subscribe tails /v1/events until the stream ends.
func (m Monitor) subscribe() tea.Cmd {
	return func() tea.Msg {
		req, err := m.newRequest(context.Background(), "/v1/events")
		if err != nil {
			return monitorErrMsg{err: err}
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return monitorErrMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return monitorErrMsg{err: fmt.Errorf("event stream: %s", resp.Status)}
		}
		err = ReadSSE(resp.Body, func(ev events.Event) {
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			m.feed <- ev
		})
		if err != nil {
			return monitorErrMsg{err: err}
		}
		return nil
	}
}

func (m Monitor) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return monitorEventMsg(<-m.feed)
	}
}

func (m Monitor) pollStatus() tea.Cmd {
	return func() tea.Msg {
		return m.fetchStatus()
	}
}

func (m Monitor) fetchStatus() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := m.newRequest(ctx, "/v1/status")
	if err != nil {
		return monitorErrMsg{err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return monitorErrMsg{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return monitorErrMsg{err: fmt.Errorf("status: %s", resp.Status)}
	}

	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return monitorErrMsg{err: err}
	}
	return monitorStatusMsg(st)
}

// ReadSSE parses a server-sent event stream and calls fn once per event.
// Comment lines are skipped.
func ReadSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ev events.Event
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.Data = json.RawMessage(strings.Join(data, "\n"))
				fn(ev)
			}
			ev = events.Event{}
			data = data[:0]
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.ID, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}
