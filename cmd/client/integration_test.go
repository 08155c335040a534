package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Avicted/courier/internal/auth"
	"github.com/Avicted/courier/internal/httpapi"
	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/registry"
	"github.com/Avicted/courier/internal/router"
	"github.com/Avicted/courier/internal/storage"
	"github.com/Avicted/courier/internal/ws"
)

type fakeProgram struct {
	ran bool
}

func (f *fakeProgram) Run() (tea.Model, error) {
	f.ran = true
	return nil, nil
}

func TestRunUsesFlags(t *testing.T) {
	var captured rootModel
	prog := &fakeProgram{}
	factory := func(m tea.Model, _ ...tea.ProgramOption) programRunner {
		captured = m.(rootModel)
		return prog
	}

	err := run([]string{"-server", "http://example/", "-user", "alice", "-peer", "bob", "-token", "tok"}, strings.NewReader(""), io.Discard, io.Discard, factory)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !prog.ran {
		t.Fatal("program did not run")
	}
	if captured.api.serverURL != "http://example" {
		t.Fatalf("unexpected server url: %s", captured.api.serverURL)
	}
	if captured.chat.me != "alice" || captured.chat.peer != "bob" || captured.chat.token != "tok" {
		t.Fatalf("unexpected chat identity: %+v", captured.chat)
	}
}

func TestRunFlagValidation(t *testing.T) {
	t.Setenv("COURIER_TOKEN", "")
	cases := []struct {
		args []string
		want string
	}{
		{args: []string{"-peer", "bob", "-token", "t"}, want: "user is required"},
		{args: []string{"-user", "alice", "-token", "t"}, want: "peer is required"},
		{args: []string{"-user", "alice", "-peer", "alice", "-token", "t"}, want: "peer must differ"},
		{args: []string{"-user", "alice", "-peer", "bob"}, want: "token or admin-token"},
		{args: []string{"-server", " ", "-user", "alice", "-peer", "bob", "-token", "t"}, want: "server is required"},
	}
	for _, tc := range cases {
		err := run(tc.args, strings.NewReader(""), io.Discard, io.Discard, nil)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("run(%v) error = %v, want %q", tc.args, err, tc.want)
		}
	}
}

type relayServer struct {
	url string
}

func newRelayServer(t *testing.T) relayServer {
	t.Helper()
	repo := storage.NewMemoryStore().Messages()
	reg := registry.New()
	r := router.New(reg, repo, nil, nil)
	svc := message.NewService(repo)
	svc.SetNotifier(r)
	authSvc := auth.NewService(bytes.Repeat([]byte{3}, 32), time.Hour)
	hub := ws.NewHub(reg, r, authSvc, nil, nil, ws.Options{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	httpapi.NewHandler(authSvc, svc, r, reg, "admin", nil).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return relayServer{url: srv.URL}
}

func TestRunIssuesTokenWithAdminToken(t *testing.T) {
	relay := newRelayServer(t)
	var captured rootModel
	factory := func(m tea.Model, _ ...tea.ProgramOption) programRunner {
		captured = m.(rootModel)
		return &fakeProgram{}
	}

	err := run([]string{"-server", relay.url, "-user", "alice", "-peer", "bob", "-admin-token", "admin"}, strings.NewReader(""), io.Discard, io.Discard, factory)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if captured.chat.token == "" {
		t.Fatal("expected issued token")
	}

	err = run([]string{"-server", relay.url, "-user", "alice", "-peer", "bob", "-admin-token", "wrong"}, strings.NewReader(""), io.Discard, io.Discard, factory)
	if err == nil || !strings.Contains(err.Error(), "issue token") {
		t.Fatalf("expected issue token error, got %v", err)
	}
}

// drive runs cmd and feeds resulting messages back into the model until the
// predicate holds.
func drive(t *testing.T, m chatModel, cmd tea.Cmd, done func(chatModel) bool) chatModel {
	t.Helper()
	queue := []tea.Cmd{cmd}
	deadline := time.Now().Add(5 * time.Second)
	for len(queue) > 0 && time.Now().Before(deadline) {
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		msg := next()
		if batch, ok := msg.(tea.BatchMsg); ok {
			queue = append(queue, batch...)
			continue
		}
		if _, ok := msg.(presenceTick); ok {
			continue
		}
		var follow tea.Cmd
		m, follow = m.Update(msg)
		if _, ok := msg.(presenceMsg); !ok {
			queue = append(queue, follow)
		}
		if done(m) {
			return m
		}
	}
	t.Fatal("condition not reached")
	return m
}

func TestChatEndToEnd(t *testing.T) {
	relay := newRelayServer(t)
	api := NewAPIClient(relay.url)
	aliceTok, err := api.IssueToken(t.Context(), "admin", "alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	bobTok, err := api.IssueToken(t.Context(), "admin", "bob")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	alice := newChatModel(api, "alice", "bob", aliceTok.Token, 80, 24)
	alice = drive(t, alice, alice.connectWS(), func(m chatModel) bool { return m.connected })
	defer alice.ws.Close()
	bob := newChatModel(api, "bob", "alice", bobTok.Token, 80, 24)
	bob = drive(t, bob, bob.connectWS(), func(m chatModel) bool { return m.connected })
	defer bob.ws.Close()
	bobEvents := waitForEvent(bob.wsCh)

	alice.input.SetValue("hello bob")
	alice, _ = alice.Update(tea.KeyMsg{Type: tea.KeyEnter})
	alice = drive(t, alice, waitForEvent(alice.wsCh), func(m chatModel) bool { return len(m.messages) == 1 })
	if !alice.messages[0].isMine || alice.messages[0].body != "hello bob" {
		t.Fatalf("unexpected echo: %+v", alice.messages[0])
	}

	bob = drive(t, bob, bobEvents, func(m chatModel) bool { return len(m.messages) == 1 })
	id := bob.messages[0].id
	if id != alice.messages[0].id {
		t.Fatalf("ids differ: %s vs %s", id, alice.messages[0].id)
	}

	var cmd tea.Cmd
	bob.input.SetValue("/hide " + shortID(string(id)))
	bob, cmd = bob.Update(tea.KeyMsg{Type: tea.KeyEnter})
	bob = drive(t, bob, cmd, func(m chatModel) bool { return true })
	if bob.errMsg != "" {
		t.Fatalf("hide failed: %s", bob.errMsg)
	}

	alice.input.SetValue("/delete " + string(id))
	alice, cmd = alice.Update(tea.KeyMsg{Type: tea.KeyEnter})
	alice = drive(t, alice, tea.Batch(cmd, waitForEvent(alice.wsCh)), func(m chatModel) bool {
		return len(m.messages) == 1 && m.messages[0].tombstoned
	})
	if alice.messages[0].body != message.DeletedPlaceholder {
		t.Fatalf("body = %q, want placeholder", alice.messages[0].body)
	}
}
