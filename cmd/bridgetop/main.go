package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	zone "github.com/lrstanley/bubblezone"

	"github.com/pagebridge/bridge/internal/admin"
	"github.com/pagebridge/bridge/internal/adminclient"
	"github.com/pagebridge/bridge/internal/config"
)

type panel int
type uiMode int

const (
	peersPanel panel = iota
	sessionsPanel
)

const (
	dashboardMode uiMode = iota
	settingsMode
)

type loadResultMsg struct {
	status   admin.Status
	peers    []admin.PeerInfo
	sessions []admin.SessionInfo
	err      error
	at       time.Time
}

type disconnectResultMsg struct {
	id  string
	err error
}

type configResultMsg struct {
	settings config.Settings
	err      error
}

type tickMsg time.Time

type model struct {
	adminClient *adminclient.Client
	refresh     time.Duration

	status   admin.Status
	peers    []admin.PeerInfo
	sessions []admin.SessionInfo

	configSettings config.Settings
	configErr      string

	mode          uiMode
	focus         panel
	peerCursor    int
	sessionCursor int

	spin spinner.Model

	peerVP    viewport.Model
	sessionVP viewport.Model

	chartPeers   streamlinechart.Model
	chartPending streamlinechart.Model

	spring  harmonica.Spring
	animP   float64
	animQ   float64
	velP    float64
	velQ    float64

	statusLine  string
	lastUpdated time.Time
	width       int
	height      int
}

func newModel(client *adminclient.Client, refresh time.Duration) model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	peerChart := streamlinechart.New(
		34,
		8,
		streamlinechart.WithYRange(0, 32),
		streamlinechart.WithStyles(runes.ArcLineStyle, lipgloss.NewStyle().Foreground(lipgloss.Color("10"))),
	)
	pendingChart := streamlinechart.New(
		34,
		8,
		streamlinechart.WithYRange(0, 32),
		streamlinechart.WithStyles(runes.ArcLineStyle, lipgloss.NewStyle().Foreground(lipgloss.Color("14"))),
	)

	return model{
		adminClient:  client,
		refresh:      refresh,
		mode:         dashboardMode,
		focus:        peersPanel,
		statusLine:   "loading...",
		spin:         sp,
		peerVP:       viewport.New(40, 20),
		sessionVP:    viewport.New(40, 20),
		chartPeers:   peerChart,
		chartPending: pendingChart,
		spring:       harmonica.NewSpring(harmonica.FPS(60), 12.0, 1.0),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.adminClient), tickCmd(m.refresh), m.spin.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.syncLayout()
		m.syncViewportContent()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case loadResultMsg:
		if msg.err != nil {
			m.statusLine = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.status = msg.status
		m.peers = msg.peers
		m.sessions = msg.sessions
		sort.Slice(m.peers, func(i, j int) bool { return m.peers[i].LastSeen < m.peers[j].LastSeen })
		sort.Slice(m.sessions, func(i, j int) bool { return m.sessions[i].CreatedAt < m.sessions[j].CreatedAt })
		if m.peerCursor >= len(m.peers) {
			m.peerCursor = max(0, len(m.peers)-1)
		}
		if m.sessionCursor >= len(m.sessions) {
			m.sessionCursor = max(0, len(m.sessions)-1)
		}
		m.lastUpdated = msg.at
		m.chartPeers.Push(float64(len(m.peers)))
		m.chartPending.Push(float64(msg.status.PendingRequests))
		m.chartPeers.Draw()
		m.chartPending.Draw()
		m.syncViewportContent()
		m.statusLine = fmt.Sprintf("peers=%d sessions=%d pending=%d", len(m.peers), len(m.sessions), msg.status.PendingRequests)
		return m, nil

	case disconnectResultMsg:
		if msg.err != nil {
			m.statusLine = fmt.Sprintf("disconnect %s failed: %v", shortID(msg.id), msg.err)
			return m, nil
		}
		m.statusLine = fmt.Sprintf("disconnected %s", shortID(msg.id))
		return m, fetchCmd(m.adminClient)

	case configResultMsg:
		if msg.err != nil {
			m.configErr = msg.err.Error()
			return m, nil
		}
		m.configSettings = msg.settings
		m.configErr = ""
		return m, nil

	case tickMsg:
		m.animP, m.velP = m.spring.Update(m.animP, m.velP, float64(len(m.peers)))
		m.animQ, m.velQ = m.spring.Update(m.animQ, m.velQ, float64(m.status.PendingRequests))
		return m, tea.Batch(fetchCmd(m.adminClient), tickCmd(m.refresh))

	case tea.MouseMsg:
		if m.mode == dashboardMode && msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft {
			for i, p := range m.peers {
				if z := zone.Get("peer-" + p.ID); z != nil && z.InBounds(msg) {
					m.focus = peersPanel
					m.peerCursor = i
					m.syncViewportContent()
					return m, nil
				}
			}
			for i, s := range m.sessions {
				if z := zone.Get("session-" + s.TransportID); z != nil && z.InBounds(msg) {
					m.focus = sessionsPanel
					m.sessionCursor = i
					m.syncViewportContent()
					return m, nil
				}
			}
		}

	case tea.KeyMsg:
		if m.mode == settingsMode {
			return updateSettingsMode(m, msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			m.mode = settingsMode
			m.statusLine = "settings mode"
			return m, fetchConfigCmd(m.adminClient)
		case "tab":
			if m.focus == peersPanel {
				m.focus = sessionsPanel
			} else {
				m.focus = peersPanel
			}
			m.syncViewportContent()
			return m, nil
		case "r":
			return m, fetchCmd(m.adminClient)
		case "up", "k":
			if m.focus == peersPanel && m.peerCursor > 0 {
				m.peerCursor--
			}
			if m.focus == sessionsPanel && m.sessionCursor > 0 {
				m.sessionCursor--
			}
			m.syncViewportContent()
			return m, nil
		case "down", "j":
			if m.focus == peersPanel && m.peerCursor < len(m.peers)-1 {
				m.peerCursor++
			}
			if m.focus == sessionsPanel && m.sessionCursor < len(m.sessions)-1 {
				m.sessionCursor++
			}
			m.syncViewportContent()
			return m, nil
		case "pgup":
			if m.focus == peersPanel {
				m.peerVP.HalfViewUp()
			} else {
				m.sessionVP.HalfViewUp()
			}
			return m, nil
		case "pgdown":
			if m.focus == peersPanel {
				m.peerVP.HalfViewDown()
			} else {
				m.sessionVP.HalfViewDown()
			}
			return m, nil
		case "d":
			if m.focus == peersPanel && len(m.peers) > 0 {
				id := m.peers[m.peerCursor].ID
				return m, disconnectPeerCmd(m.adminClient, id)
			}
			return m, nil
		}
	}

	return m, nil
}

func updateSettingsMode(m model, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "esc", "c":
		m.mode = dashboardMode
		m.statusLine = "dashboard mode"
		return m, nil
	case "r":
		return m, fetchConfigCmd(m.adminClient)
	}
	return m, nil
}

func (m *model) syncLayout() {
	paneH := max(10, m.height-20)
	paneW := max(40, m.width/2-2)
	m.peerVP.Width = paneW - 2
	m.peerVP.Height = paneH
	m.sessionVP.Width = paneW - 2
	m.sessionVP.Height = paneH
}

func (m *model) syncViewportContent() {
	m.peerVP.SetContent(m.renderPeerRows())
	m.sessionVP.SetContent(m.renderSessionRows())
	m.ensureCursorVisible()
}

func (m *model) ensureCursorVisible() {
	if m.focus == peersPanel {
		m.peerVP.GotoTop()
		for i := 0; i < m.peerCursor; i++ {
			m.peerVP.LineDown(2)
		}
		return
	}
	m.sessionVP.GotoTop()
	for i := 0; i < m.sessionCursor; i++ {
		m.sessionVP.LineDown(2)
	}
}

func (m model) renderPeerRows() string {
	cursorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	roleStyle := map[string]lipgloss.Style{
		"controller":  lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		"page-agent":  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"peer-bridge": lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
	}
	normalStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	if len(m.peers) == 0 {
		return normalStyle.Render("(none)")
	}
	lines := make([]string, 0, len(m.peers)*2)
	for i, p := range m.peers {
		pref := "  "
		if i == m.peerCursor {
			pref = "> "
		}
		style, ok := roleStyle[p.Role]
		if !ok {
			style = normalStyle
		}
		label := p.Role
		if p.SessionID != "" {
			label += " " + shortID(p.SessionID)
		}
		if p.InstanceID != "" {
			label += " " + shortID(p.InstanceID)
		}
		row := fmt.Sprintf("%s%s  %s", pref, shortID(p.ID), style.Render(label))
		if i == m.peerCursor {
			row = cursorStyle.Render(row)
		}
		row = zone.Mark("peer-"+p.ID, row)
		lines = append(lines, row)
		title := p.Title
		if title == "" {
			title = p.URL
		}
		lines = append(lines, fmt.Sprintf("    %s  seen %s", trimText(title, 60), timeAgo(p.LastSeen)))
	}
	return strings.Join(lines, "\n")
}

func (m model) renderSessionRows() string {
	cursorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	normalStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	if len(m.sessions) == 0 {
		return normalStyle.Render("(none)")
	}
	lines := make([]string, 0, len(m.sessions)*2)
	for i, s := range m.sessions {
		pref := "  "
		if i == m.sessionCursor {
			pref = "> "
		}
		row := fmt.Sprintf("%s%s -> %s", pref, shortID(s.TransportID), shortID(s.BrowserSessionID))
		if i == m.sessionCursor {
			row = cursorStyle.Render(row)
		}
		row = zone.Mark("session-"+s.TransportID, row)
		lines = append(lines, row)
		lines = append(lines, "    created "+s.CreatedAt)
	}
	return strings.Join(lines, "\n")
}

func (m model) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	normalStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	if m.mode == settingsMode {
		return zone.Scan(m.settingsView(titleStyle, normalStyle))
	}

	focusStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))

	leftTitle := normalStyle.Render("Peers")
	rightTitle := normalStyle.Render("Sessions")
	if m.focus == peersPanel {
		leftTitle = focusStyle.Render("Peers")
	}
	if m.focus == sessionsPanel {
		rightTitle = focusStyle.Render("Sessions")
	}

	leftPane := lipgloss.NewStyle().Width(max(40, m.width/2-2)).Border(lipgloss.RoundedBorder()).Padding(0, 1).Render(leftTitle + "\n" + m.peerVP.View())
	rightPane := lipgloss.NewStyle().Width(max(40, m.width/2-2)).Border(lipgloss.RoundedBorder()).Padding(0, 1).Render(rightTitle + "\n" + m.sessionVP.View())

	controllerState := "down"
	if m.status.ControllerOnline {
		controllerState = "up"
	}

	statP := int(math.Round(m.animP))
	statQ := int(math.Round(m.animQ))
	cards := lipgloss.JoinHorizontal(
		lipgloss.Top,
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Peers\n%d", statP)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Pending\n%d", statQ)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Role\n%s", m.status.Role)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Controller\n%s", controllerState)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Updated\n%s", lastUpdatedText(m.lastUpdated))),
	)
	chartPanel := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Render("Peers Trend\n"+m.chartPeers.View()),
		lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Render("Pending Trend\n"+m.chartPending.View()),
	)

	help := normalStyle.Render("mouse: click row | tab panel | j/k move | pgup/pgdown scroll | d disconnect peer | r refresh | c settings | q quit")
	proc := normalStyle.Render(fmt.Sprintf("instance %s | uptime %s | %s refreshing", m.status.InstanceID, m.status.Uptime, m.spin.View()))
	status := titleStyle.Render("status: ") + m.statusLine
	row := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	return zone.Scan(strings.Join([]string{
		titleStyle.Render("bridgetop"),
		cards,
		chartPanel,
		row,
		proc,
		status,
		help,
	}, "\n"))
}

func (m model) settingsView(titleStyle, normalStyle lipgloss.Style) string {
	lines := []string{titleStyle.Render("Bridge config (read-only)")}
	if m.configErr != "" {
		lines = append(lines, "error: "+m.configErr)
	} else {
		s := m.configSettings
		lines = append(lines,
			fmt.Sprintf("http_addr      = %s", s.HTTPAddr),
			fmt.Sprintf("ws_addr        = %s", s.WSAddr),
			fmt.Sprintf("max_pending    = %d", s.MaxPending),
			fmt.Sprintf("stale_timeout  = %s", s.StaleTimeout),
			fmt.Sprintf("sweep_interval = %s", s.SweepInterval),
			fmt.Sprintf("global_cap     = %s", s.GlobalCap),
			fmt.Sprintf("idle_grace     = %s", s.IdleGrace),
			fmt.Sprintf("config path    = %s", s.Path),
		)
	}

	help := normalStyle.Render("r reload | c/esc back | q quit")
	status := titleStyle.Render("status: ") + m.statusLine
	box := lipgloss.NewStyle().Width(max(80, m.width-2)).Border(lipgloss.RoundedBorder()).Padding(0, 1).Render(strings.Join(lines, "\n"))
	return strings.Join([]string{box, status, help}, "\n")
}

func fetchCmd(client *adminclient.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		status, err := client.Status(ctx)
		if err != nil {
			return loadResultMsg{err: err}
		}
		peers, err := client.ListPeers(ctx)
		if err != nil {
			return loadResultMsg{err: err}
		}
		sessions, err := client.ListSessions(ctx)
		if err != nil {
			return loadResultMsg{err: err}
		}
		return loadResultMsg{status: status, peers: peers, sessions: sessions, at: time.Now()}
	}
}

func disconnectPeerCmd(client *adminclient.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := client.DisconnectPeer(ctx, id)
		return disconnectResultMsg{id: id, err: err}
	}
}

func fetchConfigCmd(client *adminclient.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		settings, err := client.Config(ctx)
		if err != nil {
			return configResultMsg{err: err}
		}
		return configResultMsg{settings: settings}
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

func timeAgo(t string) string {
	parsed, err := time.Parse(time.RFC3339, t)
	if err != nil || parsed.IsZero() {
		return "unknown"
	}
	d := time.Since(parsed).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func trimText(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func lastUpdatedText(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func main() {
	zone.NewGlobal()

	configPath := flag.String("config", "", "path to the bridge's config.toml (used to derive the default admin address/token)")
	addrFlag := flag.String("addr", "", "admin base URL, e.g. http://localhost:8080 (overrides the address derived from --config)")
	tokenFlag := flag.String("token", "", "admin token (overrides the token derived from --config)")
	refresh := flag.Duration("refresh", 2*time.Second, "dashboard refresh interval")
	flag.Parse()

	settings, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		os.Exit(1)
	}

	addr := *addrFlag
	if addr == "" {
		addr = "http://localhost" + settings.HTTPAddr
	}
	token := *tokenFlag
	if token == "" {
		token = settings.AdminToken
	}

	client := adminclient.New(addr, token, &http.Client{Timeout: 4 * time.Second})
	m := newModel(client, *refresh)
	m.syncLayout()
	m.syncViewportContent()
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run(); err != nil {
		fmt.Printf("tui error: %v\n", err)
	}
}
