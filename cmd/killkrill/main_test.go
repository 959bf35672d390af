package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/deadletter"
	"github.com/penguintechinc/killkrill-sub000/sink"
	"github.com/penguintechinc/killkrill-sub000/stream"
	"github.com/penguintechinc/killkrill-sub000/testutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "killkrill.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(newCLI(&out, io.Discard))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "killkrill version "+Version)
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `{
		"stream": {"partitions": 2},
		"nats": {"password": "hunter2"}
	}`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "REDACTED")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"partitions": 2`)
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeConfig(t, `{"stream": {"backend": "kafka"}}`)
	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}

func TestValidateCommand_LogLevelFlag(t *testing.T) {
	_, err := execute(t, "validate", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestSplitModesRequireSharedBackend(t *testing.T) {
	_, err := execute(t, "worker", "--pipeline", "logs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve")

	_, err = execute(t, "receiver")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve")
}

func TestWorkerCommand_RequiresPipeline(t *testing.T) {
	_, err := execute(t, "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline")
}

// seedDeadLetters stores n entries for logs.0 and returns their keys.
func seedDeadLetters(t *testing.T, path string, n int) []string {
	t.Helper()
	ctx := context.Background()
	store, err := deadletter.OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer store.Close()

	keys := make([]string, n)
	for i := range n {
		at := testutil.BaseTime.Add(time.Duration(i) * time.Second)
		e := deadletter.Entry{
			Stream:         "logs.0",
			Group:          "logs-workers",
			EntryID:        stream.ID{Millis: uint64(at.UnixMilli()), Seq: 0},
			Event:          testutil.NumberedLog(i),
			AppendedAt:     at,
			FailureReason:  deadletter.ReasonMaxRetries,
			LastError:      "sink unavailable",
			AttemptCount:   4,
			FirstFailedAt:  at,
			DeadLetteredAt: at,
		}
		_, err := store.Put(ctx, e)
		require.NoError(t, err)
		keys[i] = e.Key()
	}
	return keys
}

func TestDeadLetterCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "deadletters.db")
	keys := seedDeadLetters(t, dbPath, 3)
	path := writeConfig(t, `{
		"deadletter": {"backend": "sqlite", "path": "`+dbPath+`"},
		"stream": {"partitions": 1, "journal": {"dir": "`+filepath.Join(dir, "journal")+`"}}
	}`)

	t.Run("list table", func(t *testing.T) {
		out, err := execute(t, "deadletter", "list", "-c", path)
		require.NoError(t, err)
		assert.Contains(t, out, "KEY")
		for _, k := range keys {
			assert.Contains(t, out, k)
		}
	})

	t.Run("list json with limit", func(t *testing.T) {
		out, err := execute(t, "deadletter", "list", "-c", path, "-o", "json", "--limit", "2")
		require.NoError(t, err)
		var entries []deadletter.Entry
		require.NoError(t, json.Unmarshal([]byte(out), &entries))
		require.Len(t, entries, 2)
		assert.Equal(t, keys[2], entries[0].Key())
		assert.Equal(t, 4, entries[0].AttemptCount)
	})

	t.Run("list yaml", func(t *testing.T) {
		out, err := execute(t, "dlq", "list", "-c", path, "-o", "yaml", "--group", "logs-workers")
		require.NoError(t, err)
		assert.Contains(t, out, "failure_reason: max_retries")
	})

	t.Run("bad output", func(t *testing.T) {
		_, err := execute(t, "deadletter", "list", "-c", path, "-o", "xml")
		require.Error(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		out, err := execute(t, "deadletter", "delete", "-c", path, keys[0])
		require.NoError(t, err)
		assert.Contains(t, out, "deleted "+keys[0])

		_, err = execute(t, "deadletter", "delete", "-c", path, keys[0])
		require.Error(t, err)
	})

	t.Run("requeue", func(t *testing.T) {
		out, err := execute(t, "deadletter", "requeue", "-c", path, keys[1])
		require.NoError(t, err)
		assert.Contains(t, out, "requeued "+keys[1])

		out, err = execute(t, "deadletter", "list", "-c", path, "-o", "json")
		require.NoError(t, err)
		var entries []deadletter.Entry
		require.NoError(t, json.Unmarshal([]byte(out), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, keys[2], entries[0].Key())

		journal, err := stream.OpenJournal(stream.JournalConfig{Dir: filepath.Join(dir, "journal", "logs.0")}, nil)
		require.NoError(t, err)
		s, err := stream.OpenMemory(stream.MemoryDeps{
			Config:  stream.MemoryConfig{Name: "logs.0"},
			Journal: journal,
		})
		require.NoError(t, err)
		defer s.Close()
		n, err := s.Len(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestDeadLetterCommands_RequireSQLite(t *testing.T) {
	_, err := execute(t, "deadletter", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestServe_LogPipeline(t *testing.T) {
	path := writeConfig(t, `{
		"http": {"addr": "127.0.0.1:0"},
		"udp": {"enabled": false},
		"metrics": {"enabled": false},
		"stream": {"partitions": 2},
		"workers": {
			"logs": {"block_timeout": "50ms"},
			"metrics": {"block_timeout": "50ms"}
		}
	}`)

	captured := sink.NewMemory("capture")
	c := newCLI(io.Discard, io.Discard)
	c.buildSinks = func(context.Context, sink.Config, sink.BuildDeps) (*sink.Fanout, error) {
		return sink.NewFanout(nil, captured), nil
	}
	built := make(chan *app, 1)
	c.ready = func(a *app) { built <- a }

	root := newRootCommand(c)
	root.SetArgs([]string{"serve", "--config", path, "--shutdown-timeout", "5s"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- root.ExecuteContext(ctx) }()

	var a *app
	select {
	case a = <-built:
	case err := <-errc:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not build the app")
	}
	require.NotNil(t, a.gateway)
	require.Eventually(t, func() bool { return a.gateway.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + a.gateway.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/v1/logs", "application/json",
		bytes.NewReader(testutil.LogPayload(t, 5, time.Now())))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return captured.Len() == 5 }, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
