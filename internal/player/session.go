// Package player replays a recorded session against a live application.
// Each worker owns one Session at a time and drives the recorded events in
// order, pacing itself by the recording's own timestamps.
package player

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/rstudio/shinycannon/internal/auth"
	"github.com/rstudio/shinycannon/internal/output"
	"github.com/rstudio/shinycannon/internal/stats"
	"github.com/rstudio/shinycannon/internal/wsproto"
)

const (
	// receiveQueueCapacity bounds the per-session receive queue. Overflow
	// means the server is producing meaningful frames faster than the
	// script consumes them, which is fatal for the session.
	receiveQueueCapacity = 5

	httpTimeout        = 30 * time.Second
	wsHandshakeTimeout = 30 * time.Second
)

// AllowedTokens is the closed set of placeholders a recording may reference.
var AllowedTokens = map[string]bool{
	"WORKER":        true,
	"TOKEN":         true,
	"ROBUST_ID":     true,
	"SOCKJSID":      true,
	"SESSION":       true,
	"UPLOAD_URL":    true,
	"UPLOAD_JOB_ID": true,
}

// frame is one element of the receive queue: either a meaningful server
// frame or the failure sentinel that wakes a blocked consumer.
type frame struct {
	text string
	err  error
}

// Params configures a new Session.
type Params struct {
	SessionID int64
	WorkerID  int
	Iteration int

	AppURL string
	User   string
	Pass   string

	OutputDir      string
	HeaderComments []string

	Stats  *stats.Counter
	Logger *log.Logger
}

// Session is the per-virtual-user replay state. It is owned by exactly one
// worker goroutine; the only concurrent toucher is the WebSocket read loop,
// which communicates through the receive queue and the failure latch.
type Session struct {
	id        int64
	workerID  int
	iteration int

	httpURL string
	wsURL   string

	user string
	pass string

	jar    *cookiejar.Jar
	client *http.Client
	ws     *websocket.Conn

	tokens map[string]string
	recv   chan frame

	failMu  sync.Mutex
	failure error

	lastEventEnded int64

	out   *output.EventLog
	stats *stats.Counter
	log   *log.Logger
}

// New creates a Session with a fresh cookie jar, seeded token dictionary and
// its own CSV event log. The PLAYER_SESSION_CREATE row is written here.
func New(p Params) (*Session, error) {
	httpURL := strings.TrimSuffix(p.AppURL, "/")
	wsURL, err := deriveWSURL(httpURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	out, err := output.NewEventLog(p.OutputDir, p.SessionID, p.WorkerID, p.Iteration, p.HeaderComments)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        p.SessionID,
		workerID:  p.WorkerID,
		iteration: p.Iteration,
		httpURL:   httpURL,
		wsURL:     wsURL,
		user:      p.User,
		pass:      p.Pass,
		jar:       jar,
		client:    &http.Client{Jar: jar, Timeout: httpTimeout},
		tokens: map[string]string{
			"ROBUST_ID": randomHex(18),
			"SOCKJSID":  "000/" + randomHex(8),
		},
		recv:  make(chan frame, receiveQueueCapacity),
		out:   out,
		stats: p.Stats,
		log:   p.Logger,
	}
	s.out.Event("PLAYER_SESSION_CREATE", 0, "")
	return s, nil
}

// Token returns the current value of a dictionary entry, for tests and
// post-run inspection.
func (s *Session) Token(name string) (string, bool) {
	v, ok := s.tokens[name]
	return v, ok
}

// Play runs the recorded events in order. It never returns an error: every
// outcome is recorded through the event log and the stats counter.
func (s *Session) Play(events []Event, startDelay time.Duration) {
	defer s.cleanup()

	if err := s.maybeLogin(); err != nil {
		s.log.Error("login failed", "session", s.id, "error", err)
		s.out.Event("FAIL", 0, err.Error())
		s.stats.Failed()
		return
	}

	if startDelay > 0 {
		s.out.Event("PLAYBACK_START_INTERVAL_START", 0, "")
		time.Sleep(startDelay)
		s.out.Event("PLAYBACK_START_INTERVAL_END", 0, "")
	}

	s.stats.Running()

	for _, ev := range events {
		if err := s.Failed(); err != nil {
			s.abort(ev, err)
			return
		}

		if d := ev.SleepBefore(s); d > 0 {
			s.out.Event("PLAYBACK_SLEEPBEFORE_START", ev.LineNumber(), "")
			time.Sleep(d)
			s.out.Event("PLAYBACK_SLEEPBEFORE_END", ev.LineNumber(), "")
		}

		if err := s.Failed(); err != nil {
			s.abort(ev, err)
			return
		}

		s.out.Event(ev.Name()+"_START", ev.LineNumber(), "")
		if err := ev.Handle(s); err != nil {
			s.Fail(err)
			s.abort(ev, err)
			return
		}
		s.out.Event(ev.Name()+"_END", ev.LineNumber(), "")

		// Pacing follows the recording's clock, not wall time: the next
		// sleep is the recorded gap between the two events, however long
		// this handler took.
		s.lastEventEnded = ev.Created()
	}

	s.stats.Done()
	s.out.Event("PLAYBACK_DONE", 0, "")
	s.log.Debug("session done", "session", s.id, "worker", s.workerID, "iteration", s.iteration)
}

// Fail latches the first failure and wakes any consumer blocked on the
// receive queue by offering an error frame.
func (s *Session) Fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failure != nil {
		return
	}
	s.failure = err
	select {
	case s.recv <- frame{err: err}:
	default:
	}
}

// Failed returns the latched failure, if any.
func (s *Session) Failed() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

func (s *Session) abort(ev Event, err error) {
	s.log.Error("session failed",
		"session", s.id, "worker", s.workerID, "iteration", s.iteration,
		"line", ev.LineNumber(), "error", err)
	s.out.Event("PLAYBACK_FAIL", ev.LineNumber(), err.Error())
	s.stats.Failed()
}

func (s *Session) maybeLogin() error {
	if s.user == "" {
		return nil
	}
	protected, err := auth.IsProtected(s.client, s.httpURL)
	if err != nil {
		return err
	}
	if !protected {
		s.log.Debug("application is not protected, skipping login", "session", s.id)
		return nil
	}
	return auth.PostLogin(s.client, s.httpURL, s.user, s.pass, s.log)
}

func (s *Session) cleanup() {
	s.closeWS()
	if err := s.out.Close(); err != nil {
		s.log.Warn("failed to close session log", "session", s.id, "error", err)
	}
}

func (s *Session) closeWS() {
	if s.ws != nil {
		s.ws.Close()
		s.ws = nil
	}
}

// readLoop drains the WebSocket on its own goroutine, filtering ignorable
// frames and feeding the bounded receive queue. It exits when the socket
// closes or the session fails.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		text := string(data)

		ignore, err := wsproto.CanIgnore(text)
		if err != nil {
			s.Fail(fmt.Errorf("line noise from server: %w", err))
			return
		}
		if ignore {
			s.log.Debug("ignoring frame", "session", s.id, "frame", truncate(text, 80))
			continue
		}
		if !s.offerFrame(text) {
			return
		}
	}
}

// offerFrame enqueues a meaningful frame without blocking. Overflow fails
// the session.
func (s *Session) offerFrame(text string) bool {
	select {
	case s.recv <- frame{text: text}:
		return true
	default:
		s.Fail(errors.New("receive queue overflowed"))
		return false
	}
}

// awaitFrame blocks until a meaningful frame or the failure sentinel
// arrives. Frames already queued are served even after the socket closed;
// waiting with no socket at all would block forever and is an error.
func (s *Session) awaitFrame() (string, error) {
	select {
	case f := <-s.recv:
		if f.err != nil {
			return "", f.err
		}
		return f.text, nil
	default:
	}
	if s.ws == nil {
		return "", errors.New("no websocket open")
	}
	f := <-s.recv
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (s *Session) cookieHeader() string {
	u, err := url.Parse(s.httpURL)
	if err != nil {
		return ""
	}
	var parts []string
	for _, cookie := range s.jar.Cookies(u) {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}

func deriveWSURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("invalid app URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported app URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
