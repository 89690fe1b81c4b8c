// trackertop is a live terminal view of a running tracker daemon. It polls
// the dashboard's stats and recent-detection endpoints every two seconds
// and renders the pipeline counters, so an operator can watch ingest
// without opening a browser.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/confluence-tracker/pkg/config"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/queue"
	"github.com/confluence-tracker/pkg/router"
)

const pollEvery = 2 * time.Second

const recentShown = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("110"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(11)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// statsPayload mirrors the dashboard's /api/stats response.
type statsPayload struct {
	Store  map[string]int64 `json:"store"`
	Queue  queue.Stats      `json:"queue"`
	Engine map[string]int   `json:"engine"`
	Router router.Stats     `json:"router"`
	Uptime float64          `json:"uptime_seconds"`
}

type refreshMsg struct {
	stats  statsPayload
	recent []db.Confluence
}

type errMsg struct{ err error }

type tickMsg time.Time

type model struct {
	base    string
	stats   *statsPayload
	recent  []db.Confluence
	err     error
	fetched time.Time
}

func (m model) Init() tea.Cmd {
	return fetch(m.base)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, fetch(m.base)
	case refreshMsg:
		m.stats = &msg.stats
		m.recent = msg.recent
		m.err = nil
		m.fetched = time.Now()
		return m, tick()
	case errMsg:
		m.err = msg.err
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	var b []string
	b = append(b, titleStyle.Render("🚨 Confluence Tracker")+dimStyle.Render("  "+m.base))

	switch {
	case m.err != nil:
		b = append(b, warnStyle.Render("daemon unreachable: "+m.err.Error()))
	case m.stats == nil:
		b = append(b, dimStyle.Render("connecting..."))
	default:
		s := m.stats
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			panel("router",
				line("received", s.Router.Received),
				line("parsed", s.Router.Parsed),
				line("enqueued", s.Router.Enqueued),
				line("dropped", s.Router.Dropped),
				line("unmatched", s.Router.Unmatched),
			),
			panel("queue",
				pendingLine(s.Queue.Pending),
				line("inflight", int64(s.Queue.Inflight)),
				line("processed", s.Queue.Processed),
				line("retried", s.Queue.Retried),
				line("dropped", s.Queue.Dropped),
			),
			panel("windows",
				line("buckets", int64(s.Engine["buckets"])),
				line("events", int64(s.Engine["events"])),
				line("emitted", int64(s.Engine["emitted"])),
			),
			panel("store",
				line("subs", s.Store["active_subscriptions"]),
				line("tenants", s.Store["tenants"]),
				line("trades", s.Store["transactions"]),
				line("confluences", s.Store["confluences"]),
			),
		)
		b = append(b, row)
		b = append(b, detectionsPanel(m.recent))
		up := time.Duration(s.Uptime * float64(time.Second)).Truncate(time.Second)
		b = append(b, dimStyle.Render(fmt.Sprintf("daemon up %s, avg job %.0fms, refreshed %s",
			up, s.Queue.AvgMs, m.fetched.Format("15:04:05"))))
	}

	b = append(b, dimStyle.Render("q quits"))
	return lipgloss.JoinVertical(lipgloss.Left, b...) + "\n"
}

func panel(title string, lines ...string) string {
	body := headStyle.Render(title)
	for _, l := range lines {
		body += "\n" + l
	}
	return panelStyle.Render(body)
}

func line(label string, v int64) string {
	return labelStyle.Render(label) + fmt.Sprintf("%d", v)
}

// pendingLine highlights queue backlog past the depth the daemon itself
// warns about.
func pendingLine(pending int) string {
	s := fmt.Sprintf("%d", pending)
	if pending > 100 {
		s = warnStyle.Render(s)
	}
	return labelStyle.Render("pending") + s
}

func detectionsPanel(recent []db.Confluence) string {
	if len(recent) == 0 {
		return panel("detections (24h)", dimStyle.Render("none yet"))
	}
	lines := make([]string, 0, recentShown)
	for i, c := range recent {
		if i == recentShown {
			break
		}
		token := c.TokenSymbol
		if token == "" {
			token = shortAddr(c.TokenAddress)
		}
		lines = append(lines, fmt.Sprintf("%s  %-12s %2d wallets  tenant %d",
			dimStyle.Render(c.DetectionTime.Local().Format("15:04")), token, c.WalletCount, c.TenantID))
	}
	return panel("detections (24h)", lines...)
}

func shortAddr(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}

func tick() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetch(base string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 5 * time.Second}

		var msg refreshMsg
		if err := getJSON(client, base+"/api/stats", &msg.stats); err != nil {
			return errMsg{err}
		}
		if err := getJSON(client, base+"/api/confluences?hours=24&limit=20", &msg.recent); err != nil {
			return errMsg{err}
		}
		return msg
	}
}

func getJSON(client *http.Client, url string, v interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dashboard returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func main() {
	port := 8080
	if cfg, err := config.Load(); err == nil {
		port = cfg.DashboardPort
	}
	base := flag.String("url", fmt.Sprintf("http://localhost:%d", port), "dashboard base URL")
	flag.Parse()

	p := tea.NewProgram(model{base: strings.TrimRight(*base, "/")}, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
