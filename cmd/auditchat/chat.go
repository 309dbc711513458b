// This file implements the interactive chat client using bubbletea.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"auditchat/internal/agents"
	"auditchat/internal/store"
)

var (
	chatClientID string
	chatCategory string
)

// chatCmd starts the interactive chat client
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the audit agent over WebSocket",
	Long: `Connects to a running auditchat server and streams an audit
conversation: each request runs the plan, analyze and report stages,
and every stage's output is rendered as it completes.

A stable --client-id resumes the same session across reconnects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractiveChat()
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatClientID, "client-id", "", "Stable client identifier (default: generated)")
	chatCmd.Flags().StringVar(&chatCategory, "category", "", "Dataset category to audit")
}

// chatStyles groups the lipgloss styles the chat view uses.
type chatStyles struct {
	header     lipgloss.Style
	badge      lipgloss.Style
	userLabel  lipgloss.Style
	agentLabel lipgloss.Style
	stageLabel lipgloss.Style
	muted      lipgloss.Style
	errorText  lipgloss.Style
	success    lipgloss.Style
	warning    lipgloss.Style
	spinner    lipgloss.Style
	input      lipgloss.Style
}

func defaultChatStyles() chatStyles {
	return chatStyles{
		header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Padding(0, 1),
		badge:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Background(lipgloss.Color("236")).Padding(0, 1),
		userLabel:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginTop(1),
		agentLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).MarginTop(1),
		stageLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("140")).MarginTop(1),
		muted:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		errorText:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		success:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warning:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		spinner:    lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1),
	}
}

// wireFrame mirrors the server's outbound frame.
type wireFrame struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Logs      string          `json:"logs"`
	Message   string          `json:"message"`
}

type chatMessage struct {
	role    string // user | agent | stage | system
	content string
	time    time.Time
}

// Messages for tea updates
type (
	frameMsg      wireFrame
	connClosedMsg struct{}
)

// chatModel is the main model for the interactive chat client
type chatModel struct {
	// UI components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    chatStyles
	renderer  *glamour.TermRenderer

	// State
	history   []chatMessage
	isLoading bool
	stage     string
	err       error
	width     int
	height    int
	ready     bool

	// Backend
	clientID string
	category string
	conn     *websocket.Conn
	frames   chan wireFrame
}

func initChat(conn *websocket.Conn, frames chan wireFrame, clientID, category string, prior []store.ChatTurn) chatModel {
	styles := defaultChatStyles()

	ti := textinput.New()
	ti.Placeholder = "Ask about your dataset... (Enter to send, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.spinner

	vp := viewport.New(80, 20)
	vp.SetContent("")

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	history := make([]chatMessage, 0, len(prior))
	for _, turn := range prior {
		role := "user"
		if turn.Role != "user" {
			role = "agent"
		}
		history = append(history, chatMessage{role: role, content: turn.Message, time: turn.CreatedAt})
	}

	return chatModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		styles:    styles,
		renderer:  renderer,
		history:   history,
		clientID:  clientID,
		category:  category,
		conn:      conn,
		frames:    frames,
	}
}

// listenForFrames waits for the next server frame; the read pump closes
// the channel when the connection drops.
func listenForFrames(ch <-chan wireFrame) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-ch
		if !ok {
			return connClosedMsg{}
		}
		return frameMsg(frame)
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		listenForFrames(m.frames),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
		}

		// Handle regular key input
		if !m.isLoading {
			m.textinput, tiCmd = m.textinput.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		footerHeight := 2
		inputHeight := 3

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-headerHeight-footerHeight-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - headerHeight - footerHeight - inputHeight
		}

		m.textinput.Width = msg.Width - 4

		if m.renderer != nil {
			m.renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(msg.Width-8),
			)
		}

		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}

	case frameMsg:
		m = m.handleFrame(wireFrame(msg))
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, tea.Batch(listenForFrames(m.frames), m.spinner.Tick)

	case connClosedMsg:
		m.isLoading = false
		m.err = fmt.Errorf("connection closed; restart the client to reconnect")
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

func (m chatModel) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}

	// Check for special commands
	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	m.history = append(m.history, chatMessage{role: "user", content: input, time: time.Now()})
	m.textinput.Reset()
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
	m.isLoading = true
	m.stage = ""
	m.err = nil

	conn := m.conn
	category := m.category
	send := func() tea.Msg {
		payload := map[string]string{"message": input, "category": category}
		if err := conn.WriteJSON(payload); err != nil {
			return connClosedMsg{}
		}
		return nil
	}

	return m, tea.Batch(m.spinner.Tick, send)
}

func (m chatModel) handleCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)
	cmd := parts[0]

	switch cmd {
	case "/quit", "/exit", "/q":
		return m, tea.Quit

	case "/clear":
		m.history = nil
		m.viewport.SetContent("")
		m.textinput.Reset()
		return m, nil

	case "/category":
		if len(parts) < 2 {
			m.history = append(m.history, chatMessage{
				role:    "system",
				content: "Usage: /category <name>",
				time:    time.Now(),
			})
		} else {
			m.category = parts[1]
			m.history = append(m.history, chatMessage{
				role:    "system",
				content: fmt.Sprintf("Audit scope set to %q", parts[1]),
				time:    time.Now(),
			})
		}
		m.textinput.Reset()
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil

	case "/help":
		m.history = append(m.history, chatMessage{
			role: "system",
			content: "Commands: /category <name> set the audit scope, " +
				"/clear reset the view, /quit exit",
			time: time.Now(),
		})
		m.textinput.Reset()
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil

	default:
		m.history = append(m.history, chatMessage{
			role:    "system",
			content: fmt.Sprintf("Unknown command %s (try /help)", cmd),
			time:    time.Now(),
		})
		m.textinput.Reset()
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil
	}
}

// handleFrame folds one server frame into the model.
func (m chatModel) handleFrame(frame wireFrame) chatModel {
	switch frame.Type {
	case "error":
		m.isLoading = false
		m.history = append(m.history, chatMessage{
			role:    "system",
			content: "⚠ " + frame.Message,
			time:    time.Now(),
		})
		return m

	case "agent_response":
		var probe struct {
			Status string `json:"status"`
			State  string `json:"state"`
			Stage  string `json:"stage"`
		}
		if err := json.Unmarshal(frame.Data, &probe); err != nil {
			return m
		}

		switch {
		case probe.Status != "":
			var out agents.Outcome
			if err := json.Unmarshal(frame.Data, &out); err != nil {
				return m
			}
			return m.handleDone(out)

		case probe.State == "running":
			m.stage = probe.Stage
			return m

		default:
			var result agents.StageResult
			if err := json.Unmarshal(frame.Data, &result); err != nil {
				return m
			}
			m.history = append(m.history, chatMessage{
				role:    "stage",
				content: renderStageResult(result),
				time:    time.Now(),
			})
			return m
		}
	}
	return m
}

func (m chatModel) handleDone(out agents.Outcome) chatModel {
	m.isLoading = false
	m.stage = ""

	var summary string
	switch out.Status {
	case agents.StateSucceeded:
		if out.Degraded {
			summary = "⚠ Audit finished with a degraded report stage"
		} else {
			summary = "✓ Audit complete"
		}
	default:
		summary = "✗ Request failed"
	}
	m.history = append(m.history, chatMessage{role: "system", content: summary, time: time.Now()})
	return m
}

// renderStageResult formats one stage's output as markdown.
func renderStageResult(result agents.StageResult) string {
	var sb strings.Builder
	elapsed := time.Duration(result.ElapsedMS) * time.Millisecond
	fmt.Fprintf(&sb, "**%s** (%s)\n\n", result.Stage, elapsed)

	if !result.Success {
		fmt.Fprintf(&sb, "Stage failed: %s\n", result.Error)
		return sb.String()
	}

	sb.WriteString(payloadMarkdown(result.Payload))
	return sb.String()
}

// payloadMarkdown turns a structured stage payload into display markdown.
func payloadMarkdown(p agents.StagePayload) string {
	var sb strings.Builder

	switch p.Kind {
	case agents.KindPlan:
		if p.Plan == nil {
			return ""
		}
		fmt.Fprintf(&sb, "**Objective:** %s\n\n", p.Plan.Objective)
		if len(p.Plan.Procedures) > 0 {
			sb.WriteString("**Procedures:**\n")
			for i, step := range p.Plan.Procedures {
				fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
			}
			sb.WriteString("\n")
		}
		if len(p.Plan.Tables) > 0 {
			fmt.Fprintf(&sb, "**Tables:** %s\n\n", strings.Join(p.Plan.Tables, ", "))
		}
		if len(p.Plan.Risks) > 0 {
			sb.WriteString("**Risks:**\n")
			for _, risk := range p.Plan.Risks {
				fmt.Fprintf(&sb, "- %s\n", risk)
			}
		}

	case agents.KindAnalysis:
		if p.Analysis == nil {
			return ""
		}
		sb.WriteString(p.Analysis.Summary)
		sb.WriteString("\n")
		if len(p.Analysis.Findings) > 0 {
			sb.WriteString("\n**Findings:**\n")
			for _, f := range p.Analysis.Findings {
				sb.WriteString(findingMarkdown(f))
			}
		}

	case agents.KindReport:
		if p.Report == nil {
			return ""
		}
		title := p.Report.Title
		if title == "" {
			title = "Audit Report"
		}
		fmt.Fprintf(&sb, "# %s\n\n", title)
		if p.Report.ReportID != "" {
			fmt.Fprintf(&sb, "_Report %s_\n\n", p.Report.ReportID)
		}
		if p.Report.Summary != "" {
			sb.WriteString(p.Report.Summary)
			sb.WriteString("\n")
		}
		if len(p.Report.Findings) > 0 {
			sb.WriteString("\n## Findings\n")
			for _, f := range p.Report.Findings {
				sb.WriteString(findingMarkdown(f))
			}
		}
		if len(p.Report.Recommendations) > 0 {
			sb.WriteString("\n## Recommendations\n")
			for _, rec := range p.Report.Recommendations {
				fmt.Fprintf(&sb, "- %s\n", rec)
			}
		}
		if p.Report.Conclusion != "" {
			fmt.Fprintf(&sb, "\n%s\n", p.Report.Conclusion)
		}

	default:
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}

	return sb.String()
}

func findingMarkdown(f agents.Finding) string {
	var sb strings.Builder
	sb.WriteString("- ")
	if f.Severity != "" {
		fmt.Fprintf(&sb, "**[%s]** ", f.Severity)
	}
	sb.WriteString("**" + f.Title + "**")
	if f.Detail != "" {
		sb.WriteString(": " + f.Detail)
	}
	if f.Evidence != "" {
		fmt.Fprintf(&sb, " (%s)", f.Evidence)
	}
	sb.WriteString("\n")
	return sb.String()
}

func (m chatModel) renderHistory() string {
	var sb strings.Builder

	for _, msg := range m.history {
		switch msg.role {
		case "user":
			sb.WriteString(m.styles.userLabel.Render("You") + "\n")
			sb.WriteString(msg.content)
			sb.WriteString("\n")
		case "stage":
			sb.WriteString(m.styles.stageLabel.Render("◆ Stage") + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.content))
		case "agent":
			sb.WriteString(m.styles.agentLabel.Render("🔍 auditchat") + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.content))
		default:
			sb.WriteString(m.styles.muted.Render(msg.content) + "\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery
func (m chatModel) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			// If glamour panics, return plain text
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

func (m chatModel) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := m.renderHeader()
	chatView := m.viewport.View()

	if m.isLoading {
		label := "Thinking..."
		if m.stage != "" {
			label = fmt.Sprintf("Running %s stage...", m.stage)
		}
		chatView += "\n" + m.styles.spinner.Render(m.spinner.View()) + " " + label
	}

	if m.err != nil {
		chatView += "\n" + m.styles.errorText.Render("Error: "+m.err.Error())
	}

	inputArea := m.styles.input.Render(m.textinput.View())
	footer := m.renderFooter()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m chatModel) renderHeader() string {
	title := m.styles.header.Render("🔍 auditchat")
	client := m.styles.badge.Render(m.clientID)

	var status string
	if m.isLoading {
		status = m.styles.warning.Render("● Processing")
	} else {
		status = m.styles.success.Render("● Ready")
	}

	scope := "all categories"
	if m.category != "" {
		scope = m.category
	}
	scopeLine := m.styles.muted.Render("scope: " + scope)

	headerLine := lipgloss.JoinHorizontal(lipgloss.Center, title, " ", client, "  ", status)
	return lipgloss.JoinVertical(lipgloss.Left, headerLine, scopeLine)
}

func (m chatModel) renderFooter() string {
	help := m.styles.muted.Render("Enter: send • /category <name>: set scope • /help: commands • Ctrl+C: exit")
	return lipgloss.NewStyle().MarginTop(1).Render(help)
}

// readPump forwards server frames to the UI until the connection drops.
func readPump(conn *websocket.Conn, frames chan<- wireFrame) {
	defer close(frames)
	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		frames <- frame
	}
}

// fetchHistory loads prior turns so a resumed session shows its past.
func fetchHistory(clientID string) []store.ChatTurn {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s/chat/%s/history?limit=50", serverURL, clientID))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		Turns []store.ChatTurn `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	return body.Turns
}

func runInteractiveChat() error {
	clientID := chatClientID
	if clientID == "" {
		clientID = "client_" + strings.Split(uuid.NewString(), "-")[0]
	}

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/chat/" + clientID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("cannot reach %s (is the server running?): %w", serverURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	frames := make(chan wireFrame, 32)
	go readPump(conn, frames)

	prior := fetchHistory(clientID)

	p := tea.NewProgram(
		initChat(conn, frames, clientID, chatCategory, prior),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
