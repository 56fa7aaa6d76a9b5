package player

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rstudio/shinycannon/internal/recording"
	"github.com/rstudio/shinycannon/internal/tokens"
	"github.com/rstudio/shinycannon/internal/version"
	"github.com/rstudio/shinycannon/internal/wsproto"
)

// Event is one replayable step of the recording.
type Event interface {
	Name() string
	Created() int64
	LineNumber() int

	// SleepBefore is how long the session should idle before handling this
	// event, preserving the recording's inter-arrival gaps.
	SleepBefore(s *Session) time.Duration

	Handle(s *Session) error
}

// FromEntries converts loaded recording entries into executable events.
func FromEntries(entries []recording.Entry) ([]Event, error) {
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := fromEntry(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func fromEntry(e recording.Entry) (Event, error) {
	base := baseEvent{name: e.Type, created: e.CreatedMillis, line: e.LineNumber}
	switch e.Type {
	case recording.TypeReq:
		return &reqEvent{baseEvent: base, url: e.URL, status: e.StatusCode}, nil
	case recording.TypeReqHome:
		return &reqHomeEvent{baseEvent: base, url: e.URL, status: e.StatusCode}, nil
	case recording.TypeReqSinf:
		return &reqSinfEvent{baseEvent: base, url: e.URL, status: e.StatusCode}, nil
	case recording.TypeReqTok:
		return &reqTokEvent{baseEvent: base, url: e.URL, status: e.StatusCode}, nil
	case recording.TypeReqPostUpload:
		return &reqPostUploadEvent{baseEvent: base, status: e.StatusCode, data: e.Data}, nil
	case recording.TypeWSOpen:
		return &wsOpenEvent{baseEvent: base, url: e.URL}, nil
	case recording.TypeWSRecv:
		return &wsRecvEvent{baseEvent: base, message: e.Message}, nil
	case recording.TypeWSRecvInit:
		return &wsRecvInitEvent{baseEvent: base, message: e.Message}, nil
	case recording.TypeWSRecvBeginUpld:
		return &wsRecvBeginUploadEvent{baseEvent: base, message: e.Message}, nil
	case recording.TypeWSSend:
		return &wsSendEvent{baseEvent: base, message: e.Message}, nil
	case recording.TypeWSClose:
		return &wsCloseEvent{baseEvent: base}, nil
	default:
		return nil, fmt.Errorf("line %d: unknown event type %q", e.LineNumber, e.Type)
	}
}

type baseEvent struct {
	name    string
	created int64
	line    int
}

func (e *baseEvent) Name() string    { return e.name }
func (e *baseEvent) Created() int64  { return e.created }
func (e *baseEvent) LineNumber() int { return e.line }

func (e *baseEvent) SleepBefore(_ *Session) time.Duration { return 0 }

// recordedGap is the recording-time distance from the previous event,
// clamped at zero when the recording's timestamps go backwards.
func (e *baseEvent) recordedGap(s *Session) time.Duration {
	gap := e.created - s.lastEventEnded
	if gap < 0 {
		gap = 0
	}
	return time.Duration(gap) * time.Millisecond
}

// statusEquals treats 200 and 304 as interchangeable for GETs: whether the
// asset came from cache during recording is irrelevant on replay.
func statusEquals(actual, expected int) bool {
	if actual == expected {
		return true
	}
	ok := func(code int) bool { return code == http.StatusOK || code == http.StatusNotModified }
	return ok(actual) && ok(expected)
}

// doGet renders the recorded path, issues the GET with the session's cookie
// jar and returns the body after checking the status.
func doGet(s *Session, rawURL string, expected int) ([]byte, error) {
	rendered, err := tokens.Substitute(rawURL, AllowedTokens, s.tokens)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, s.httpURL+rendered, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if !statusEquals(resp.StatusCode, expected) {
		return nil, fmt.Errorf("GET %s returned status %d, expected %d", rendered, resp.StatusCode, expected)
	}
	return body, nil
}

// reqEvent is an ordinary asset or API GET.
type reqEvent struct {
	baseEvent
	url    string
	status int
}

// SleepBefore: requests before the WebSocket opens are page-load traffic and
// replay as fast as possible; afterwards they are user-driven and keep the
// recorded pacing.
func (e *reqEvent) SleepBefore(s *Session) time.Duration {
	if s.ws == nil {
		return 0
	}
	return e.recordedGap(s)
}

func (e *reqEvent) Handle(s *Session) error {
	_, err := doGet(s, e.url, e.status)
	return err
}

var workerPattern = regexp.MustCompile(`(?s)<base href="_w_([0-9a-z]+)/`)

// reqHomeEvent fetches the app page and scrapes the worker ID from the base
// href. Dev servers have no worker ID; the token simply stays unset.
type reqHomeEvent struct {
	baseEvent
	url    string
	status int
}

func (e *reqHomeEvent) Handle(s *Session) error {
	body, err := doGet(s, e.url, e.status)
	if err != nil {
		return err
	}
	if m := workerPattern.FindSubmatch(body); m != nil {
		s.tokens["WORKER"] = string(m[1])
	}
	return nil
}

// reqSinfEvent is the SockJS /info probe.
type reqSinfEvent struct {
	baseEvent
	url    string
	status int
}

func (e *reqSinfEvent) Handle(s *Session) error {
	_, err := doGet(s, e.url, e.status)
	return err
}

// reqTokEvent fetches the single-use token the server hands out before the
// WebSocket connect.
type reqTokEvent struct {
	baseEvent
	url    string
	status int
}

func (e *reqTokEvent) Handle(s *Session) error {
	body, err := doGet(s, e.url, e.status)
	if err != nil {
		return err
	}
	s.tokens["TOKEN"] = string(body)
	return nil
}

// reqPostUploadEvent posts a recorded file-upload chunk to the upload URL
// announced by an earlier WS_RECV_BEGIN_UPLOAD.
type reqPostUploadEvent struct {
	baseEvent
	status int
	data   string
}

func (e *reqPostUploadEvent) Handle(s *Session) error {
	uploadURL, ok := s.tokens["UPLOAD_URL"]
	if !ok {
		return errors.New("no upload URL: WS_RECV_BEGIN_UPLOAD has not happened")
	}
	body, err := base64.StdEncoding.DecodeString(e.data)
	if err != nil {
		return fmt.Errorf("invalid upload body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid upload URL: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Uploads never come from cache, so no 304 equivalence here.
	if resp.StatusCode != e.status {
		return fmt.Errorf("POST %s returned status %d, expected %d", uploadURL, resp.StatusCode, e.status)
	}
	return nil
}

// wsOpenEvent opens the session's WebSocket and starts the read loop.
type wsOpenEvent struct {
	baseEvent
	url string
}

func (e *wsOpenEvent) Handle(s *Session) error {
	if s.ws != nil {
		return errors.New("a websocket is already open")
	}

	rendered, err := tokens.Substitute(e.url, AllowedTokens, s.tokens)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if cookie := s.cookieHeader(); cookie != "" {
		header.Set("Cookie", cookie)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.Dial(s.wsURL+rendered, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	s.ws = conn
	go s.readLoop(conn)
	return nil
}

// wsRecvEvent waits for the next meaningful frame and compares it against
// the recorded expectation: literally for non-object frames, by top-level
// key set for message objects.
type wsRecvEvent struct {
	baseEvent
	message string
}

func (e *wsRecvEvent) Handle(s *Session) error {
	received, err := s.awaitFrame()
	if err != nil {
		return err
	}

	expected, err := tokens.Substitute(e.message, AllowedTokens, s.tokens)
	if err != nil {
		return err
	}

	expectedObj, err := wsproto.Parse(expected)
	if err != nil {
		return fmt.Errorf("recorded message is malformed: %w", err)
	}
	if expectedObj == nil {
		if received != expected {
			return fmt.Errorf("expected frame %q, received %q", truncate(expected, 80), truncate(received, 80))
		}
		return nil
	}

	receivedObj, err := wsproto.Parse(received)
	if err != nil {
		return err
	}
	if receivedObj == nil {
		return fmt.Errorf("expected a message object, received %q", truncate(received, 80))
	}
	if !wsproto.SameKeys(expectedObj, receivedObj) {
		return fmt.Errorf("message keys mismatch: expected %v, received %v",
			sortedKeys(expectedObj), sortedKeys(receivedObj))
	}
	if !reflect.DeepEqual(expectedObj, receivedObj) {
		s.log.Debug("message values differ from recording",
			"session", s.id, "line", e.line, "keys", sortedKeys(receivedObj))
	}
	return nil
}

// wsRecvInitEvent consumes the init frame and captures the server-assigned
// session ID.
type wsRecvInitEvent struct {
	baseEvent
	message string
}

func (e *wsRecvInitEvent) Handle(s *Session) error {
	received, err := s.awaitFrame()
	if err != nil {
		return err
	}
	obj, err := wsproto.Parse(received)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("init frame carries no message object: %q", truncate(received, 80))
	}
	config, ok := obj["config"].(map[string]interface{})
	if !ok {
		return errors.New("init frame has no config object")
	}
	sessionID, ok := config["sessionId"].(string)
	if !ok {
		return errors.New("init frame has no config.sessionId")
	}
	s.tokens["SESSION"] = sessionID
	return nil
}

// wsRecvBeginUploadEvent consumes the upload handshake and captures the job
// ID and upload URL for the REQ_POST_UPLOAD that follows.
type wsRecvBeginUploadEvent struct {
	baseEvent
	message string
}

func (e *wsRecvBeginUploadEvent) Handle(s *Session) error {
	received, err := s.awaitFrame()
	if err != nil {
		return err
	}
	obj, err := wsproto.Parse(received)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("upload frame carries no message object: %q", truncate(received, 80))
	}
	response, ok := obj["response"].(map[string]interface{})
	if !ok {
		return errors.New("upload frame has no response object")
	}
	value, ok := response["value"].(map[string]interface{})
	if !ok {
		return errors.New("upload frame has no response.value object")
	}
	jobID, ok := scalarString(value["jobId"])
	if !ok {
		return errors.New("upload frame has no response.value.jobId")
	}
	uploadURL, ok := scalarString(value["uploadUrl"])
	if !ok {
		return errors.New("upload frame has no response.value.uploadUrl")
	}
	s.tokens["UPLOAD_JOB_ID"] = jobID
	s.tokens["UPLOAD_URL"] = uploadURL
	return nil
}

// wsSendEvent sends a recorded frame with this session's tokens substituted.
type wsSendEvent struct {
	baseEvent
	message string
}

func (e *wsSendEvent) SleepBefore(s *Session) time.Duration {
	return e.recordedGap(s)
}

func (e *wsSendEvent) Handle(s *Session) error {
	if s.ws == nil {
		return errors.New("no websocket open")
	}
	rendered, err := tokens.Substitute(e.message, AllowedTokens, s.tokens)
	if err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, []byte(rendered))
}

// wsCloseEvent disconnects the WebSocket.
type wsCloseEvent struct {
	baseEvent
}

func (e *wsCloseEvent) SleepBefore(s *Session) time.Duration {
	return e.recordedGap(s)
}

func (e *wsCloseEvent) Handle(s *Session) error {
	s.closeWS()
	return nil
}

// scalarString renders a decoded JSON scalar the way it appears in a URL or
// message: numbers without an exponent, bools as true/false.
func scalarString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

func sortedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
