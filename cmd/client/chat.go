package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/router"
	"github.com/Avicted/courier/internal/user"
)

const (
	presenceInterval = 5 * time.Second
	shortIDLen       = 6
)

type chatMessage struct {
	id         message.ID
	sender     string
	body       string
	sentAt     string
	attachment message.MediaKind
	isMine     bool
	isSystem   bool
	tombstoned bool
}

type chatModel struct {
	api        *APIClient
	me         string
	peer       string
	token      string
	ws         *WSClient
	wsCh       chan router.Event
	messages   []chatMessage
	viewport   viewport.Model
	input      textinput.Model
	connected  bool
	peerOnline bool
	errMsg     string
	width      int
	height     int
}

type wsConnectedMsg struct {
	ws *WSClient
	ch chan router.Event
}

type wsEventMsg router.Event

type wsErrorMsg struct{ err error }

type historyMsg struct {
	messages []message.Payload
	err      error
}

type actionResultMsg struct {
	action string
	id     message.ID
	err    error
}

type presenceMsg struct {
	online bool
	err    error
}

type presenceTick struct{}

func newChatModel(api *APIClient, me, peer, token string, width, height int) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message..."
	input.CharLimit = 8192
	input.Width = clampMin(width-8, 20)
	input.Focus()

	vp := viewport.New(clampMin(width-4, 10), clampMin(height-7, 1))

	return chatModel{
		api:      api,
		me:       me,
		peer:     peer,
		token:    token,
		viewport: vp,
		input:    input,
		width:    width,
		height:   height,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.loadHistory(),
		m.connectWS(),
		m.fetchPresence(),
	)
}

func (m chatModel) connectWS() tea.Cmd {
	serverURL := m.api.serverURL
	token := m.token
	return func() tea.Msg {
		ws, err := ConnectWS(serverURL, token)
		if err != nil {
			return wsErrorMsg{err: err}
		}
		ch := make(chan router.Event, 64)
		go ws.ReadLoop(ch)
		return wsConnectedMsg{ws: ws, ch: ch}
	}
}

func waitForEvent(ch <-chan router.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return wsErrorMsg{err: fmt.Errorf("connection closed")}
		}
		return wsEventMsg(ev)
	}
}

func (m chatModel) loadHistory() tea.Cmd {
	api, token, peer := m.api, m.token, m.peer
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msgs, err := api.History(ctx, token, peer)
		return historyMsg{messages: msgs, err: err}
	}
}

func (m chatModel) fetchPresence() tea.Cmd {
	api, token, peer := m.api, m.token, m.peer
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		online, err := api.Presence(ctx, token, peer)
		return presenceMsg{online: online, err: err}
	}
}

func schedulePresence() tea.Cmd {
	return tea.Tick(presenceInterval, func(time.Time) tea.Msg { return presenceTick{} })
}

func (m chatModel) runAction(action string, id message.ID) tea.Cmd {
	api, token := m.api, m.token
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		switch action {
		case "hide":
			err = api.Hide(ctx, token, id)
		case "delete":
			err = api.DeleteForEveryone(ctx, token, id)
		}
		return actionResultMsg{action: action, id: id, err: err}
	}
}

func (m chatModel) Update(msg tea.Msg) (chatModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			cmd := m.submitInput()
			return m, cmd
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case wsConnectedMsg:
		m.ws = msg.ws
		m.wsCh = msg.ch
		m.connected = true
		m.errMsg = ""
		return m, waitForEvent(m.wsCh)

	case wsEventMsg:
		m.handleEvent(router.Event(msg))
		m.refreshViewport()
		return m, waitForEvent(m.wsCh)

	case wsErrorMsg:
		m.connected = false
		m.errMsg = msg.err.Error()
		return m, nil

	case historyMsg:
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("history: %v", msg.err)
			return m, nil
		}
		live := m.messages
		m.messages = nil
		for _, p := range msg.messages {
			m.upsert(p)
		}
		for _, cm := range live {
			if cm.isSystem {
				m.messages = append(m.messages, cm)
				continue
			}
			if m.indexOf(cm.id) < 0 {
				m.messages = append(m.messages, cm)
			}
		}
		m.refreshViewport()
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("%s %s: %v", msg.action, shortID(string(msg.id)), msg.err)
			return m, nil
		}
		m.errMsg = ""
		return m, nil

	case presenceMsg:
		if msg.err == nil {
			m.peerOnline = msg.online
		}
		return m, schedulePresence()

	case presenceTick:
		return m, m.fetchPresence()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) submitInput() tea.Cmd {
	body := strings.TrimSpace(m.input.Value())
	if body == "" {
		return nil
	}
	if strings.HasPrefix(body, "/") {
		m.input.Reset()
		return m.handleCommand(body)
	}
	if m.ws == nil || !m.connected {
		m.errMsg = "not connected"
		return nil
	}

	frame := message.Frame{Sender: user.ID(m.me), Receiver: user.ID(m.peer), Body: body}
	if err := m.ws.Send(frame); err != nil {
		m.errMsg = fmt.Sprintf("send: %v", err)
		return nil
	}
	m.input.Reset()
	return nil
}

func (m *chatModel) handleCommand(raw string) tea.Cmd {
	parts := strings.Fields(raw)
	switch strings.ToLower(parts[0]) {
	case "/help":
		m.appendSystemMessage("/hide <id> hides a message for you - /delete <id> deletes your message for everyone - /history reloads")
		return nil
	case "/history":
		return m.loadHistory()
	case "/hide", "/delete":
		if len(parts) < 2 {
			m.appendSystemMessage("usage: " + parts[0] + " <id>")
			return nil
		}
		id, ok := m.resolveID(parts[1])
		if !ok {
			m.appendSystemMessage("no unique message matches " + parts[1])
			return nil
		}
		return m.runAction(strings.TrimPrefix(strings.ToLower(parts[0]), "/"), id)
	default:
		m.appendSystemMessage("unknown command")
		return nil
	}
}

// resolveID accepts a full id or the short suffix shown next to each message.
func (m *chatModel) resolveID(ref string) (message.ID, bool) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	var found message.ID
	for _, cm := range m.messages {
		if cm.isSystem || cm.id == "" {
			continue
		}
		id := strings.ToUpper(string(cm.id))
		if id == ref {
			return cm.id, true
		}
		if strings.HasSuffix(id, ref) {
			if found != "" && found != cm.id {
				return "", false
			}
			found = cm.id
		}
	}
	return found, found != ""
}

func (m *chatModel) handleEvent(ev router.Event) {
	switch ev.Type {
	case router.EventMessageNew, router.EventMessageSent, router.EventMessageDeleted:
		if ev.Message != nil {
			m.upsert(*ev.Message)
		}
	case router.EventMessageHidden:
		if i := m.indexOf(ev.MessageID); i >= 0 {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
		}
	case router.EventError:
		m.errMsg = fmt.Sprintf("[%s] %s", ev.Code, ev.Error)
	}
}

// upsert adds p to the conversation or replaces the entry with the same id.
// Messages outside this conversation are ignored.
func (m *chatModel) upsert(p message.Payload) {
	sender, receiver := string(p.Sender), string(p.Receiver)
	inConversation := (sender == m.me && receiver == m.peer) || (sender == m.peer && receiver == m.me)
	if !inConversation {
		return
	}
	cm := chatMessage{
		id:         p.ID,
		sender:     sender,
		body:       p.Body,
		sentAt:     p.Timestamp,
		attachment: p.AttachmentKind,
		isMine:     sender == m.me,
		tombstoned: p.Tombstoned,
	}
	if i := m.indexOf(p.ID); i >= 0 {
		m.messages[i] = cm
		return
	}
	m.messages = append(m.messages, cm)
}

func (m *chatModel) indexOf(id message.ID) int {
	if id == "" {
		return -1
	}
	for i, cm := range m.messages {
		if cm.id == id {
			return i
		}
	}
	return -1
}

func (m *chatModel) appendSystemMessage(text string) {
	m.messages = append(m.messages, chatMessage{
		sender:   "system",
		body:     text,
		sentAt:   time.Now().UTC().Format(time.RFC3339Nano),
		isSystem: true,
	})
	m.refreshViewport()
}

func (m *chatModel) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *chatModel) updateLayout() {
	m.viewport.Width = clampMin(m.width-4, 10)
	m.viewport.Height = clampMin(m.height-7, 1)
	m.input.Width = clampMin(m.width-8, 20)
}

func (m *chatModel) renderMessages() string {
	if len(m.messages) == 0 {
		return labelStyle.Render(centerText("No messages yet. Say hello to "+m.peer+"!", m.viewport.Width))
	}

	var b strings.Builder
	for _, msg := range m.messages {
		ts := formatTime(msg.sentAt)
		body := msg.body
		if msg.attachment != "" && !msg.tombstoned {
			body = strings.TrimSpace(fmt.Sprintf("[%s attachment] %s", msg.attachment, body))
		}

		var style lipgloss.Style
		switch {
		case msg.isSystem:
			style = labelStyle
		case msg.tombstoned:
			style = tombstoneStyle
		case msg.isMine:
			style = sentMsgStyle
		default:
			style = recvMsgStyle
		}

		sender := msg.sender
		if !msg.isSystem {
			sender = fmt.Sprintf("%s #%s", msg.sender, shortID(string(msg.id)))
		}
		for _, line := range formatMessageLines(ts, sender, body, m.viewport.Width, msg.isSystem) {
			b.WriteString(style.Render(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m chatModel) View() string {
	var b strings.Builder

	peerStatus := peerAwayStyle.Render("away")
	if m.peerOnline {
		peerStatus = peerOnlineStyle.Render("online")
	}
	header := fmt.Sprintf(
		"  %s  %s  %s %s %s",
		appNameStyle.Render("* courier"),
		headerStyle.Render(m.me),
		labelStyle.Render("->"),
		headerStyle.Render(m.peer),
		peerStatus,
	)
	connStatus := connectedStyle.Render("connected")
	if !m.connected {
		connStatus = disconnectedStyle.Render("disconnected")
	}
	gap := max(1, m.width-lipgloss.Width(header)-lipgloss.Width(connStatus)-2)
	b.WriteString(header + strings.Repeat(" ", gap) + connStatus)
	b.WriteString("\n")

	b.WriteString(separator(m.width))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")

	b.WriteString(activeInputStyle.Render("  > ") + m.input.View())
	b.WriteString("\n")

	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
	} else {
		b.WriteString(helpStyle.Render("  enter: send - /hide <id> - /delete <id> - /help - pgup/pgdn: scroll - ctrl+q: quit"))
	}

	return b.String()
}

func formatTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04")
}

// shortID returns the tail of a ULID; the head is a timestamp shared by
// messages sent close together.
func shortID(id string) string {
	if len(id) > shortIDLen {
		return strings.ToLower(id[len(id)-shortIDLen:])
	}
	return strings.ToLower(id)
}

func clampMin(v, minimum int) int {
	if v < minimum {
		return minimum
	}
	return v
}

func formatMessageLines(ts, sender, body string, width int, isSystem bool) []string {
	prefix := fmt.Sprintf("  [%s] ", ts)
	if !isSystem {
		prefix = fmt.Sprintf("  [%s] %s: ", ts, sender)
	}
	contPrefix := strings.Repeat(" ", len(prefix))
	available := width - len(prefix)
	if available < 10 {
		available = 10
	}

	var out []string
	for i, line := range strings.Split(body, "\n") {
		for j, part := range wrapText(line, available) {
			if i == 0 && j == 0 {
				out = append(out, prefix+part)
				continue
			}
			out = append(out, contPrefix+part)
		}
	}
	return out
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) <= width {
			current = current + " " + word
			continue
		}
		lines = append(lines, current)
		current = word
	}
	lines = append(lines, current)
	return lines
}
