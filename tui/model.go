package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateWorking          // command step running
	stateRefreshing       // access token refresh in flight
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// maxStatusLines bounds the log when many calls are reported.
const maxStatusLines = 12

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the CLI progress view.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	profile   string
	working   string

	// Refresh coordination counters
	rejected int
	waiting  int
	replayed int
	calls    int

	// Success / error display
	finished     string
	tokenPreview string
	tokenType    string
	expiresIn    time.Duration
	showToken    bool
	errMsg       string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
	dropped     int
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Command messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		m.profile = msg.Profile
		return m, nil

	case MsgWarning:
		m.addStatus(statusWarn, msg.Text)
		return m, nil

	case MsgWorking:
		m.working = msg.Text
		if m.state != stateRefreshing {
			m.state = stateWorking
		}
		return m, nil

	case MsgLoggedIn:
		if msg.OrgID == "" {
			m.addStatus(statusOK, "Logged in as "+msg.Email)
		} else {
			m.addStatus(statusOK, fmt.Sprintf("Logged in as %s (org %s)", msg.Email, msg.OrgID))
		}
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Credentials removed")
		return m, nil

	case MsgOrgSelected:
		m.addStatus(statusOK, "Active organization set to "+msg.OrgID)
		return m, nil

	case MsgCallResult:
		m.calls++
		kind := statusOK
		if msg.Status >= 400 {
			kind = statusWarn
		}
		m.addStatus(kind, fmt.Sprintf("%s %s -> %d (%s)",
			msg.Method, msg.Path, msg.Status, msg.Elapsed.Round(time.Millisecond)))
		return m, nil

	// ── Refresh coordination messages ────────────────────────────────────────

	case MsgAccessTokenRejected:
		m.rejected++
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgWaiterQueued:
		m.waiting++
		return m, nil

	case MsgRefreshOK:
		m.state = stateWorking
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.state = stateWorking
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgReplaying:
		m.replayed++
		if m.waiting > 0 {
			m.waiting--
		}
		return m, nil

	case MsgSessionEnded:
		m.waiting = 0
		m.addStatus(statusWarn, "Session ended ("+reason(msg.Err)+"), please log in again")
		return m, nil

	// ── Terminal messages ────────────────────────────────────────────────────

	case MsgFinished:
		m.finished = msg.Text
		m.state = stateSuccess
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.tokenType = msg.TokenType
		m.expiresIn = msg.ExpiresIn
		m.showToken = true
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) title() string {
	title := "  orgctl  "
	if m.serverURL != "" {
		title = fmt.Sprintf("  orgctl · %s · %s  ", m.serverURL, m.profile)
	}
	return styleTitleBox.Render(title)
}

// viewMain is shown while a command is running.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(m.title())
	b.WriteString("\n\n")

	switch m.state {
	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...")
		if m.waiting > 0 {
			b.WriteString(styleDim.Render(fmt.Sprintf("  %d request(s) waiting", m.waiting)))
		}
		b.WriteString("\n")

	case stateWorking:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.working + "\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after a command completed.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	text := m.finished
	if text == "" {
		text = "Done"
	}
	b.WriteString(styleOK.Render("  ✓ " + text))
	b.WriteString("\n\n")

	if m.showToken {
		b.WriteString(styleBold.Render("Access Token: "))
		b.WriteString(m.tokenPreview + "\n")

		b.WriteString(styleBold.Render("Token Type:   "))
		b.WriteString(m.tokenType + "\n")

		b.WriteString(styleBold.Render("Expires In:   "))
		b.WriteString(formatExpiry(m.expiresIn) + "\n")
	}

	if m.replayed > 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf(
			"%d request(s) rejected, %d replayed after refresh", m.rejected, m.replayed)))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	if m.dropped > 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf("  … %d earlier line(s)", m.dropped)))
		b.WriteString("\n")
	}
	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, keeping the newest lines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if over := len(m.statusLines) - maxStatusLines; over > 0 {
		m.statusLines = append([]statusLine(nil), m.statusLines[over:]...)
		m.dropped += over
	}
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatExpiry describes the remaining lifetime of a token. Zero means the
// token carries no readable expiry.
func formatExpiry(d time.Duration) string {
	switch {
	case d == 0:
		return "unknown"
	case d < 0:
		return "expired " + formatDuration(-d) + " ago"
	default:
		return formatDuration(d)
	}
}
