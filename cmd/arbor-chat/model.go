// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/arbor-chat/arbor/client"
	"github.com/arbor-chat/arbor/wire"
)

// stateMsg reports a connection state change.
type stateMsg struct {
	state client.State
}

// timelineMsg reports that the conversation timeline changed; the
// model re-reads it from the client.
type timelineMsg struct{}

// noticeMsg puts transient text in the status bar.
type noticeMsg struct {
	text string
}

// noticeFadeMsg clears the status bar notice.
type noticeFadeMsg struct{}

const noticeFadeDelay = 4 * time.Second

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	agentStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	streamingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("221"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

// model is the top-level bubbletea model for the chat TUI.
type model struct {
	client         *client.Client
	conversationID string
	events         <-chan tea.Msg

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int
	ready    bool

	connState client.State
	notice    string
}

func newModel(c *client.Client, conversationID string, events <-chan tea.Msg) model {
	input := textinput.New()
	input.Placeholder = "Message (enter to send, esc to quit)"
	input.Focus()
	return model{
		client:         c,
		conversationID: conversationID,
		events:         events,
		input:          input,
		connState:      client.StateConnecting,
	}
}

// listenForEvent blocks until a client notification arrives, then
// delivers it into the update loop.
func listenForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-events }
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chrome := 3 // header, status bar, input line
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chrome)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chrome
		}
		m.input.Width = msg.Width - 4
		m.refreshTimeline()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			if err := m.client.SendMessage(m.conversationID, text); err != nil {
				m.notice = err.Error()
				return m, noticeFade()
			}
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case stateMsg:
		m.connState = msg.state
		if msg.state == client.StateSynced {
			m.refreshTimeline()
			m.markLatestRead()
		}
		return m, listenForEvent(m.events)

	case timelineMsg:
		m.refreshTimeline()
		m.markLatestRead()
		return m, listenForEvent(m.events)

	case noticeMsg:
		m.notice = msg.text
		return m, tea.Batch(listenForEvent(m.events), noticeFade())

	case noticeFadeMsg:
		m.notice = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func noticeFade() tea.Cmd {
	return tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg { return noticeFadeMsg{} })
}

// refreshTimeline re-renders the viewport from the client's local
// timeline and keeps the view pinned to the newest message unless the
// user scrolled away.
func (m *model) refreshTimeline() {
	if !m.ready {
		return
	}
	pinned := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages())
	if pinned {
		m.viewport.GotoBottom()
	}
}

// markLatestRead advances the server-side read position to the newest
// completed message. Best effort: a dropped connection resends it on
// the next sync anyway.
func (m *model) markLatestRead() {
	msgs := m.client.Messages(m.conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == wire.StatusCompleted {
			_ = m.client.MarkRead(m.conversationID, msgs[i].Seq)
			return
		}
	}
}

func (m model) renderMessages() string {
	msgs := m.client.Messages(m.conversationID)
	if len(msgs) == 0 {
		return streamingStyle.Render("No messages yet.")
	}

	var b strings.Builder
	for _, msg := range msgs {
		sender := msg.SenderUserID
		style := userStyle
		if msg.Role == wire.RoleAgent {
			sender = msg.SenderAgentID
			style = agentStyle
		}
		b.WriteString(style.Render(sender))
		switch msg.Status {
		case wire.StatusStreaming:
			b.WriteString(streamingStyle.Render(" (typing…)"))
		case wire.StatusCancelled:
			b.WriteString(streamingStyle.Render(" (cancelled)"))
		case wire.StatusError:
			b.WriteString(errorStyle.Render(" (failed)"))
		}
		b.WriteString("\n")
		content := msg.Content
		if content == "" && msg.Status == wire.StatusStreaming {
			content = "…"
		}
		b.WriteString(lipgloss.NewStyle().Width(m.viewport.Width).Render(content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) View() string {
	if !m.ready {
		return "Connecting…"
	}

	header := headerStyle.Width(m.width).Render("Arbor — " + m.conversationID)

	status := statusStyle.Render(string(m.connState))
	if m.notice != "" {
		status = noticeStyle.Render(m.notice)
	}

	return strings.Join([]string{
		header,
		m.viewport.View(),
		status,
		m.input.View(),
	}, "\n")
}
