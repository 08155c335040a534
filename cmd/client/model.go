package main

import (
	tea "github.com/charmbracelet/bubbletea"
)

type rootModel struct {
	api    *APIClient
	chat   chatModel
	width  int
	height int
}

func newRootModel(api *APIClient, me, peer, token string) rootModel {
	return rootModel{
		api:  api,
		chat: newChatModel(api, me, peer, token, 80, 24),
	}
}

func (m rootModel) Init() tea.Cmd {
	return m.chat.Init()
}

func (m rootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if wsm, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = wsm.Width
		m.height = wsm.Height
	}

	if km, ok := msg.(tea.KeyMsg); ok && (km.String() == "ctrl+q" || km.String() == "ctrl+c") {
		if m.chat.ws != nil {
			m.chat.ws.Close()
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.chat, cmd = m.chat.Update(msg)
	return m, cmd
}

func (m rootModel) View() string {
	return m.chat.View()
}
