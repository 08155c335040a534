package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/user"
)

// startPostgres runs a throwaway Postgres container and returns its URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in -short mode")
	}
	if err := testcontainers.SkipIfDockerNotAvailable(); err != nil {
		t.Skip("docker not available for testcontainers")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "courier",
			"POSTGRES_PASSWORD": "courier",
			"POSTGRES_DB":       "courier",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	conn := fmt.Sprintf("postgres://courier:courier@%s:%s/courier?sslmode=disable", host, port.Port())
	waitForPostgres(t, conn)
	return conn
}

func waitForPostgres(t *testing.T, conn string) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		db, err := sql.Open("pgx", conn)
		if err == nil {
			err = db.PingContext(context.Background())
		}
		if db != nil {
			_ = db.Close()
		}
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("wait for postgres: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// arrayConverter lets sqlmock accept the []string arguments the message
// repository binds for TEXT[] columns.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newRepoSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(arrayConverter{}),
	)
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("sqlmock expectations: %v", err)
		}
		_ = db.Close()
	}
	return db, mock, cleanup
}

var repoEpoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func appendMessage(t *testing.T, repo message.Repository, id message.ID, sender, receiver user.ID, body string, at time.Time) message.Message {
	t.Helper()
	msg := message.Message{ID: id, Sender: sender, Receiver: receiver, Body: body, CreatedAt: at}
	if _, err := repo.Append(context.Background(), msg); err != nil {
		t.Fatalf("Append(%s) error = %v", id, err)
	}
	return msg
}

func bodies(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

// runRepositoryContract checks the behaviour every message.Repository must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) message.Repository) {
	ctx := context.Background()

	t.Run("append and get round trip", func(t *testing.T) {
		repo := newRepo(t)
		at := repoEpoch.Add(123456789 * time.Nanosecond)
		msg := message.Message{
			ID:         "01HZZ0000000000000000000A1",
			Sender:     "1",
			Receiver:   "2",
			Body:       "hi",
			Attachment: &message.Attachment{Data: []byte{0, 1, 2}, Kind: message.MediaVideo},
			CreatedAt:  at,
		}
		if _, err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		got, err := repo.Get(ctx, msg.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Sender != "1" || got.Receiver != "2" || got.Body != "hi" || got.Tombstoned {
			t.Fatalf("unexpected message: %+v", got)
		}
		if !got.CreatedAt.Equal(at.Truncate(time.Microsecond)) {
			t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, at.Truncate(time.Microsecond))
		}
		if got.Attachment == nil || got.Attachment.Kind != message.MediaVideo || string(got.Attachment.Data) != string([]byte{0, 1, 2}) {
			t.Fatalf("attachment = %+v", got.Attachment)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("append validation", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.Append(ctx, message.Message{ID: "x", Sender: "1"}); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("history orders by timestamp across both directions", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "m3", "1", "2", "third", repoEpoch.Add(3*time.Second))
		appendMessage(t, repo, "m1", "1", "2", "first", repoEpoch.Add(1*time.Second))
		appendMessage(t, repo, "m2", "2", "1", "second", repoEpoch.Add(2*time.Second))
		appendMessage(t, repo, "x1", "1", "3", "other", repoEpoch)

		for _, pair := range [][2]user.ID{{"1", "2"}, {"2", "1"}} {
			got, err := repo.History(ctx, pair[0], pair[1], "1")
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if want := []string{"first", "second", "third"}; fmt.Sprint(bodies(got)) != fmt.Sprint(want) {
				t.Fatalf("History(%s,%s) = %v, want %v", pair[0], pair[1], bodies(got), want)
			}
		}
	})

	t.Run("history breaks timestamp ties by insertion order", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "z", "1", "2", "a", repoEpoch)
		appendMessage(t, repo, "y", "2", "1", "b", repoEpoch)
		appendMessage(t, repo, "x", "1", "2", "c", repoEpoch)
		got, err := repo.History(ctx, "1", "2", "2")
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if fmt.Sprint(bodies(got)) != "[a b c]" {
			t.Fatalf("History() = %v, want insertion order", bodies(got))
		}
	})

	t.Run("history excludes messages hidden for viewer", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "h1", "1", "2", "visible", repoEpoch)
		appendMessage(t, repo, "h2", "1", "2", "hidden", repoEpoch.Add(time.Second))
		if _, err := repo.Update(ctx, "h2", func(m *message.Message) error {
			m.HiddenFor = append(m.HiddenFor, "2")
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		receiver, _ := repo.History(ctx, "1", "2", "2")
		sender, _ := repo.History(ctx, "1", "2", "1")
		if fmt.Sprint(bodies(receiver)) != "[visible]" {
			t.Fatalf("receiver history = %v", bodies(receiver))
		}
		if fmt.Sprint(bodies(sender)) != "[visible hidden]" {
			t.Fatalf("sender history = %v", bodies(sender))
		}
	})

	t.Run("update persists visibility state", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "u1", "1", "2", "secret", repoEpoch)
		updated, err := repo.Update(ctx, "u1", func(m *message.Message) error {
			m.DeleteIntent = append(m.DeleteIntent, "1")
			m.HiddenFor = append(m.HiddenFor, "2")
			m.Body = message.DeletedPlaceholder
			m.Tombstoned = true
			return nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if !updated.Tombstoned {
			t.Fatalf("Update() returned %+v", updated)
		}
		got, _ := repo.Get(ctx, "u1")
		if !got.Tombstoned || got.Body != message.DeletedPlaceholder || len(got.DeleteIntent) != 1 || !got.HiddenForUser("2") {
			t.Fatalf("stored = %+v", got)
		}
	})

	t.Run("update skips write on ErrNoChange and propagates other errors", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "n1", "1", "2", "hi", repoEpoch)
		got, err := repo.Update(ctx, "n1", func(m *message.Message) error {
			m.Body = "changed"
			return message.ErrNoChange
		})
		if err != nil || got.Body != "hi" {
			t.Fatalf("Update(ErrNoChange) = %+v, %v", got, err)
		}
		boom := errors.New("boom")
		if _, err := repo.Update(ctx, "n1", func(*message.Message) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Update() error = %v, want boom", err)
		}
		if _, err := repo.Update(ctx, "missing", func(*message.Message) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
		}
		stored, _ := repo.Get(ctx, "n1")
		if stored.Body != "hi" {
			t.Fatalf("body = %q, want unchanged", stored.Body)
		}
	})

	t.Run("tombstoned rows are never rewritten", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "t1", "1", "2", "hi", repoEpoch)
		_, _ = repo.Update(ctx, "t1", func(m *message.Message) error {
			m.Body = message.DeletedPlaceholder
			m.Tombstoned = true
			return nil
		})
		_, err := repo.Update(ctx, "t1", func(m *message.Message) error {
			m.Body = "revived"
			m.Tombstoned = false
			return nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		got, _ := repo.Get(ctx, "t1")
		if !got.Tombstoned || got.Body != message.DeletedPlaceholder {
			t.Fatalf("tombstone rewritten: %+v", got)
		}
	})

	t.Run("concurrent updates do not lose writes", func(t *testing.T) {
		repo := newRepo(t)
		appendMessage(t, repo, "c1", "1", "2", "hi", repoEpoch)
		viewers := []user.ID{"1", "2"}
		var wg sync.WaitGroup
		for _, v := range viewers {
			wg.Add(1)
			go func(v user.ID) {
				defer wg.Done()
				if _, err := repo.Update(ctx, "c1", func(m *message.Message) error {
					m.HiddenFor = append(m.HiddenFor, v)
					return nil
				}); err != nil {
					t.Errorf("Update(%s) error = %v", v, err)
				}
			}(v)
		}
		wg.Wait()
		got, _ := repo.Get(ctx, "c1")
		hidden := make([]string, len(got.HiddenFor))
		for i, id := range got.HiddenFor {
			hidden[i] = string(id)
		}
		sort.Strings(hidden)
		if fmt.Sprint(hidden) != "[1 2]" {
			t.Fatalf("HiddenFor = %v, want both viewers", hidden)
		}
	})
}
