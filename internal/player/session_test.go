package player

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/rstudio/shinycannon/internal/recording"
	"github.com/rstudio/shinycannon/internal/stats"
)

const initFrame = `a["0|m|{\"config\":{\"sessionId\":\"abc\"}}"]`

// appServer is a scripted stand-in for a Shiny application: it serves a home
// page and, on WebSocket connect, writes the given frames in order while
// draining anything the client sends.
func appServer(t *testing.T, homeBody string, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, homeBody)
	})
	mux.HandleFunc("/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Drain client sends until the client closes on WS_CLOSE.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func playEntries(t *testing.T, srvURL string, entries []recording.Entry) (*Session, *stats.Counter, []string) {
	t.Helper()
	events, err := FromEntries(entries)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	counter := stats.New()
	s, err := New(Params{
		SessionID: 1,
		WorkerID:  0,
		Iteration: 0,
		AppURL:    srvURL,
		OutputDir: dir,
		Stats:     counter,
		Logger:    log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Play(events, 0)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}

	data, err := os.ReadFile(filepath.Join(dir, "sessions", "1_0_0.csv"))
	if err != nil {
		t.Fatal(err)
	}
	var eventNames []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "session_id,") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) >= 4 {
			eventNames = append(eventNames, fields[3])
		}
	}
	return s, counter, eventNames
}

func entriesWithoutSleeps(types ...recording.Entry) []recording.Entry {
	for i := range types {
		types[i].LineNumber = i + 1
	}
	return types
}

func TestPlayHappyPath(t *testing.T) {
	srv := appServer(t, "<html><body>dev server</body></html>", []string{initFrame})

	entries := entriesWithoutSleeps(
		recording.Entry{Type: recording.TypeReqHome, URL: "/", StatusCode: 200},
		recording.Entry{Type: recording.TypeWSOpen, URL: "/websocket"},
		recording.Entry{Type: recording.TypeWSRecvInit, Message: initFrame},
		recording.Entry{Type: recording.TypeWSSend, Message: `{"method":"init"}`},
		recording.Entry{Type: recording.TypeWSClose},
	)

	s, counter, events := playEntries(t, srv.URL, entries)

	want := []string{
		"PLAYER_SESSION_CREATE",
		"REQ_HOME_START", "REQ_HOME_END",
		"WS_OPEN_START", "WS_OPEN_END",
		"WS_RECV_INIT_START", "WS_RECV_INIT_END",
		"WS_SEND_START", "WS_SEND_END",
		"WS_CLOSE_START", "WS_CLOSE_END",
		"PLAYBACK_DONE",
	}
	if strings.Join(events, " ") != strings.Join(want, " ") {
		t.Errorf("event sequence = %v, want %v", events, want)
	}

	if session, _ := s.Token("SESSION"); session != "abc" {
		t.Errorf("SESSION token = %q, want abc", session)
	}
	if _, ok := s.Token("WORKER"); ok {
		t.Error("WORKER token set against dev server")
	}
	if run, failed, done := counter.Snapshot(); run != 0 || failed != 0 || done != 1 {
		t.Errorf("stats = %d/%d/%d", run, failed, done)
	}
}

func TestPlayExtractsWorkerID(t *testing.T) {
	srv := appServer(t, `<html><head><base href="_w_deadbeef/"></head></html>`, []string{initFrame})

	entries := entriesWithoutSleeps(
		recording.Entry{Type: recording.TypeReqHome, URL: "/", StatusCode: 200},
		recording.Entry{Type: recording.TypeReq, URL: "/_w_${WORKER}/style.css", StatusCode: 200},
		recording.Entry{Type: recording.TypeWSClose},
	)

	s, counter, _ := playEntries(t, srv.URL, entries)

	if worker, _ := s.Token("WORKER"); worker != "deadbeef" {
		t.Errorf("WORKER token = %q, want deadbeef", worker)
	}
	if _, failed, done := counter.Snapshot(); failed != 0 || done != 1 {
		t.Errorf("stats failed=%d done=%d", failed, done)
	}
}

func TestPlayStatusMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entries := entriesWithoutSleeps(
		recording.Entry{Type: recording.TypeReq, URL: "/boom", StatusCode: 200},
		recording.Entry{Type: recording.TypeWSClose},
	)

	_, counter, events := playEntries(t, srv.URL, entries)

	want := []string{"PLAYER_SESSION_CREATE", "REQ_START", "PLAYBACK_FAIL"}
	if strings.Join(events, " ") != strings.Join(want, " ") {
		t.Errorf("event sequence = %v, want %v", events, want)
	}
	if _, failed, done := counter.Snapshot(); failed != 1 || done != 0 {
		t.Errorf("stats failed=%d done=%d", failed, done)
	}
}

func TestPlayUnknownToken(t *testing.T) {
	srv := appServer(t, "ok", []string{initFrame})

	entries := entriesWithoutSleeps(
		recording.Entry{Type: recording.TypeWSOpen, URL: "/websocket"},
		recording.Entry{Type: recording.TypeWSRecvInit, Message: initFrame},
		recording.Entry{Type: recording.TypeWSSend, Message: `{"who":"${UNKNOWN}"}`},
		recording.Entry{Type: recording.TypeWSClose},
	)

	_, counter, events := playEntries(t, srv.URL, entries)

	last := events[len(events)-1]
	if last != "PLAYBACK_FAIL" {
		t.Errorf("last event = %s, want PLAYBACK_FAIL", last)
	}
	for _, ev := range events {
		if ev == "WS_SEND_END" {
			t.Error("WS_SEND completed despite unknown token")
		}
	}
	if _, failed, _ := counter.Snapshot(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestPlayIgnorableFramesSkipped(t *testing.T) {
	f1 := `a["0|m|{\"values\":{\"n\":1}}"]`
	f2 := `a["0|m|{\"values\":{\"n\":2},\"errors\":[]}"]`
	srv := appServer(t, "ok", []string{
		initFrame,
		"h",
		`a["ACK 17"]`,
		f1,
		`a["0|m|{\"progress\":{\"type\":\"binding\"}}"]`,
		f2,
	})

	entries := entriesWithoutSleeps(
		recording.Entry{Type: recording.TypeWSOpen, URL: "/websocket"},
		recording.Entry{Type: recording.TypeWSRecvInit, Message: initFrame},
		recording.Entry{Type: recording.TypeWSRecv, Message: f1},
		recording.Entry{Type: recording.TypeWSRecv, Message: f2},
		recording.Entry{Type: recording.TypeWSClose},
	)

	_, counter, events := playEntries(t, srv.URL, entries)

	if events[len(events)-1] != "PLAYBACK_DONE" {
		t.Errorf("event sequence = %v", events)
	}
	if _, failed, done := counter.Snapshot(); failed != 0 || done != 1 {
		t.Errorf("stats failed=%d done=%d", failed, done)
	}
}

func TestPlayStartDelay(t *testing.T) {
	events, err := FromEntries([]recording.Entry{
		{Type: recording.TypeWSClose, LineNumber: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	s, err := New(Params{
		SessionID: 1,
		AppURL:    "http://localhost:9",
		OutputDir: dir,
		Stats:     stats.New(),
		Logger:    log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Play(events, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "sessions", "1_0_0.csv"))
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range []string{"PLAYBACK_START_INTERVAL_START", "PLAYBACK_START_INTERVAL_END", "PLAYBACK_DONE"} {
		if !strings.Contains(string(data), ev) {
			t.Errorf("session log missing %s", ev)
		}
	}
}

func TestPlayKeyMismatchFails(t *testing.T) {
	srv := appServer(t, "ok", []string{
		initFrame,
		`a["0|m|{\"unexpected\":1}"]`,
	})

	entries := entriesWithoutSleeps(
		recording.Entry{Type: recording.TypeWSOpen, URL: "/websocket"},
		recording.Entry{Type: recording.TypeWSRecvInit, Message: initFrame},
		recording.Entry{Type: recording.TypeWSRecv, Message: `a["0|m|{\"values\":{}}"]`},
		recording.Entry{Type: recording.TypeWSClose},
	)

	_, counter, events := playEntries(t, srv.URL, entries)

	if events[len(events)-1] != "PLAYBACK_FAIL" {
		t.Errorf("event sequence = %v", events)
	}
	if _, failed, _ := counter.Snapshot(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}
