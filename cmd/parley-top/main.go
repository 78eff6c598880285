package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	parley "github.com/parleymq/parley-go"
	"github.com/parleymq/parley-go/message"
	"github.com/parleymq/parley-go/transports/rabbitmq"
)

const (
	// Colors
	primaryColor = lipgloss.Color("#2DD4BF")
	goodColor    = lipgloss.Color("#10B981")
	warnColor    = lipgloss.Color("#F59E0B")
	badColor     = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2).
			Margin(1, 0)

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151"))

	stateGoodStyle = lipgloss.NewStyle().Foreground(goodColor).Bold(true)
	stateWarnStyle = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	stateBadStyle  = lipgloss.NewStyle().Foreground(badColor).Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Margin(1, 0)
)

// program receives bus events from handler goroutines once the TUI runs.
var program atomic.Pointer[tea.Program]

func send(msg tea.Msg) {
	if p := program.Load(); p != nil {
		p.Send(msg)
	}
}

type deliveryMsg struct {
	topic string
	body  string
}

type stateMsg struct {
	state  string
	detail string
}

type tickMsg struct{}

// topicStat is the live tally for one concrete topic.
type topicStat struct {
	topic    string
	count    int
	lastBody string
	lastSeen time.Time
}

type model struct {
	pattern string
	url     string

	width  int
	height int

	topics   map[string]*topicStat
	total    int
	selected int
	paused   bool

	connState   string
	stateDetail string
	lastUpdate  time.Time
}

func initialModel(pattern, url string) model {
	return model{
		pattern:   pattern,
		url:       url,
		topics:    make(map[string]*topicStat),
		connState: "connected",
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil

		case "down":
			if m.selected < len(m.topics)-1 {
				m.selected++
			}
			return m, nil

		case " ":
			m.paused = !m.paused
			return m, nil

		case "c":
			m.topics = make(map[string]*topicStat)
			m.total = 0
			m.selected = 0
			return m, nil
		}

	case deliveryMsg:
		if m.paused {
			return m, nil
		}
		stat, ok := m.topics[msg.topic]
		if !ok {
			stat = &topicStat{topic: msg.topic}
			m.topics[msg.topic] = stat
		}
		stat.count++
		stat.lastBody = msg.body
		stat.lastSeen = time.Now()
		m.total++
		m.lastUpdate = time.Now()
		return m, nil

	case stateMsg:
		m.connState = msg.state
		m.stateDetail = msg.detail
		return m, nil

	case tickMsg:
		// Redraw so the age column keeps moving.
		return m, tickCmd()
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := headerStyle.Width(m.width - 2).Render(
		fmt.Sprintf("parley-top - %s on %s", m.pattern, m.url))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.renderTopics(),
		m.renderDetails(),
		m.renderStatusBar(),
		helpStyle.Render("↑↓: Select | Space: Pause | C: Clear | Q: Quit"),
	)
}

// rows returns the topics sorted by activity, busiest first.
func (m model) rows() []*topicStat {
	rows := make([]*topicStat, 0, len(m.topics))
	for _, stat := range m.topics {
		rows = append(rows, stat)
	}
	slices.SortFunc(rows, func(a, b *topicStat) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return strings.Compare(a.topic, b.topic)
	})
	return rows
}

func (m model) renderTopics() string {
	rows := m.rows()
	if len(rows) == 0 {
		return cardStyle.Render("Waiting for messages...")
	}

	var lines []string
	lines = append(lines, "Topic                             Msgs   Last seen  Last payload")
	lines = append(lines, strings.Repeat("─", 72))

	for i, stat := range rows {
		line := fmt.Sprintf("%-32s %6d %10s  %s",
			truncateString(stat.topic, 32),
			stat.count,
			formatAge(time.Since(stat.lastSeen)),
			truncateString(stat.lastBody, 24),
		)
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}

	return cardStyle.Render("Topics\n\n" + strings.Join(lines, "\n"))
}

func (m model) renderDetails() string {
	rows := m.rows()
	if m.selected >= len(rows) {
		return ""
	}
	stat := rows[m.selected]

	details := fmt.Sprintf(
		"Topic: %s\nMessages: %d\nLast seen: %s\n\n%s",
		stat.topic,
		stat.count,
		stat.lastSeen.Format("15:04:05"),
		truncateString(stat.lastBody, 400),
	)
	return cardStyle.Render("Details\n\n" + details)
}

func (m model) renderStatusBar() string {
	var stateStyle lipgloss.Style
	switch {
	case m.connState == "connected":
		stateStyle = stateGoodStyle
	case m.connState == "failed":
		stateStyle = stateBadStyle
	default:
		stateStyle = stateWarnStyle
	}

	state := stateStyle.Render(m.connState)
	if m.stateDetail != "" {
		state += " (" + m.stateDetail + ")"
	}

	parts := []string{
		"Bus: " + state,
		fmt.Sprintf("Messages: %d", m.total),
	}
	if !m.lastUpdate.IsZero() {
		parts = append(parts, "Last message: "+m.lastUpdate.Format("15:04:05"))
	}
	if m.paused {
		parts = append(parts, stateWarnStyle.Render("PAUSED"))
	}

	return helpStyle.Render(strings.Join(parts, " | "))
}

// Utility functions

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func printUsage() {
	fmt.Println("parley-top - live bus activity viewer")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  parley-top [pattern]        Watch a subscription pattern (default: #)")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  PARLEY_URL                  Broker URL (default: tcp://localhost:1883)")
	fmt.Println("                              amqp:// URLs use the RabbitMQ transport")
	fmt.Println("")
	fmt.Println("Navigation:")
	fmt.Println("  ↑↓                          Select topic")
	fmt.Println("  Space                       Pause updates")
	fmt.Println("  C                           Clear counters")
	fmt.Println("  Q                           Quit")
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		printUsage()
		return
	}

	pattern := "#"
	if len(os.Args) > 1 {
		pattern = os.Args[1]
	}

	url := os.Getenv("PARLEY_URL")
	if url == "" {
		url = "tcp://localhost:1883"
	}

	opts := []parley.Option{
		// The alternate screen belongs to the TUI; client logs would tear it.
		parley.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		parley.WithHandler(pattern, message.HandlerFunc(func(_ context.Context, d message.Delivery) error {
			body, err := d.Payload.Bytes()
			if err != nil {
				return err
			}
			send(deliveryMsg{topic: d.Topic, body: string(body)})
			return nil
		})),
		parley.WithObserver(parley.ObserverFuncs{
			Ready:        func() { send(stateMsg{state: "connected"}) },
			Reconnecting: func(attempt int) { send(stateMsg{state: "reconnecting", detail: fmt.Sprintf("attempt %d", attempt)}) },
			Reconnected:  func() { send(stateMsg{state: "connected"}) },
			Offline:      func() { send(stateMsg{state: "offline"}) },
			Online:       func() { send(stateMsg{state: "connected"}) },
			Failed:       func(err error) { send(stateMsg{state: "failed", detail: err.Error()}) },
		}),
	}
	if strings.HasPrefix(url, "amqp") {
		opts = append(opts, parley.WithTransport(rabbitmq.NewTransport()))
	}

	client, err := parley.New(url, opts...)
	if err != nil {
		log.Fatalf("Failed to create bus client: %v", err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", url, err)
	}
	defer client.Close()

	p := tea.NewProgram(initialModel(pattern, url), tea.WithAltScreen())
	program.Store(p)

	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running TUI: %v", err)
	}
}
