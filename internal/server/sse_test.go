package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/spendmatch/internal/model"
)

// sseEvent is one parsed "event:"/"data:" frame.
type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestRunStream_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/runs/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunStream_TerminalRunReplaysDurableLog(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	run, err := env.store.CreateRun(ctx, "", false, "", "")
	require.NoError(t, err)
	require.NoError(t, env.store.AppendLog(ctx, model.LogEntry{RunID: run.ID, Level: "info", Message: "run started"}))
	require.NoError(t, env.store.AppendLog(ctx, model.LogEntry{RunID: run.ID, Level: "info", Message: "run succeeded"}))
	require.NoError(t, env.store.UpdateRunStatus(ctx, run.ID, model.RunStatusSucceeded, ""))

	w := env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/stream", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "connected", events[0].Name)
	assert.Equal(t, "log", events[1].Name)
	assert.Equal(t, "log", events[2].Name)
	assert.Equal(t, "complete", events[3].Name)

	var entry model.LogEntry
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &entry))
	assert.Equal(t, "run started", entry.Message)

	var terminal map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &terminal))
	assert.Equal(t, "succeeded", terminal["status"])
}

func TestRunStream_LiveRunDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	run, err := env.store.CreateRun(ctx, "", false, "", "")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning, ""))

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/" + run.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	done := make(chan []sseEvent, 1)
	go func() {
		// One scanner for the whole stream; a scanner per read would drop
		// buffered bytes between events.
		sc := bufio.NewScanner(resp.Body)
		var got []sseEvent
		var cur sseEvent
		for len(got) < 3 && sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.Name != "":
				got = append(got, cur)
				cur = sseEvent{}
			}
		}
		done <- got
	}()

	// The subscriber attaches before publish: the connected event is written
	// synchronously before Subscribe, so waiting a beat is enough.
	time.Sleep(50 * time.Millisecond)
	env.broadcaster.Publish(run.ID, model.LogEntry{RunID: run.ID, Level: "info", Message: "stage started"})
	env.broadcaster.Complete(run.ID, model.RunStatusSucceeded)

	select {
	case events := <-done:
		require.Len(t, events, 3)
		assert.Equal(t, "connected", events[0].Name)
		assert.Equal(t, "log", events[1].Name)
		assert.Contains(t, events[1].Data, "stage started")
		assert.Equal(t, "complete", events[2].Name)
		assert.Contains(t, events[2].Data, "succeeded")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream events")
	}
}
