package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type programRunner interface {
	Run() (tea.Model, error)
}

type programFactory func(tea.Model, ...tea.ProgramOption) programRunner

type options struct {
	server     string
	user       string
	peer       string
	token      string
	adminToken string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("courier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.server, "server", "http://localhost:8080", "courier server URL")
	fs.StringVar(&opts.user, "user", "", "your user id")
	fs.StringVar(&opts.peer, "peer", "", "user id to chat with")
	fs.StringVar(&opts.token, "token", os.Getenv("COURIER_TOKEN"), "session token")
	fs.StringVar(&opts.adminToken, "admin-token", "", "issue a session token for -user with this admin token")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.server = strings.TrimRight(strings.TrimSpace(opts.server), "/")
	opts.user = strings.TrimSpace(opts.user)
	opts.peer = strings.TrimSpace(opts.peer)
	switch {
	case opts.server == "":
		return options{}, errors.New("server is required")
	case opts.user == "":
		return options{}, errors.New("user is required")
	case opts.peer == "":
		return options{}, errors.New("peer is required")
	case opts.peer == opts.user:
		return options{}, errors.New("peer must differ from user")
	case opts.token == "" && opts.adminToken == "":
		return options{}, errors.New("token or admin-token is required")
	}
	return opts, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, newProgram programFactory) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	api := NewAPIClient(opts.server)
	if opts.token == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := api.IssueToken(ctx, opts.adminToken, opts.user)
		cancel()
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		opts.token = resp.Token
	}

	m := newRootModel(api, opts.user, opts.peer, opts.token)

	if newProgram == nil {
		newProgram = func(model tea.Model, options ...tea.ProgramOption) programRunner {
			return tea.NewProgram(model, options...)
		}
	}

	p := newProgram(m, tea.WithAltScreen(), tea.WithInput(stdin), tea.WithOutput(stdout))
	_, err = p.Run()
	return err
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
