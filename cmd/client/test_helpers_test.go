package main

import (
	"net/http"
	"testing"

	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/user"
)

func newChatForTest(t *testing.T, api *APIClient) chatModel {
	t.Helper()
	if api == nil {
		api = &APIClient{serverURL: "http://server", httpClient: http.DefaultClient}
	}
	return newChatModel(api, "alice", "bob", "token", 80, 24)
}

func lastSystemMessage(m chatModel) string {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].isSystem {
			return m.messages[i].body
		}
	}
	return ""
}

func payload(id, sender, receiver, body string) message.Payload {
	return message.Payload{
		ID:        message.ID(id),
		Sender:    user.ID(sender),
		Receiver:  user.ID(receiver),
		Body:      body,
		Timestamp: "2026-01-02T03:04:05.000006Z",
	}
}
