// Package auth detects whether a target application sits behind RStudio
// Connect or Shiny Server Pro and primes a session's cookie jar by logging
// in before playback starts.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/net/html"

	"github.com/rstudio/shinycannon/internal/version"
)

var (
	ErrUnknownServer = errors.New("unable to determine server type")
	ErrLoginFailed   = errors.New("login failed")
)

// ServerType identifies the gateway product fronting the application.
type ServerType int

const (
	ServerUnknown ServerType = iota
	ServerRSC
	ServerSSP
)

func (s ServerType) String() string {
	switch s {
	case ServerRSC:
		return "RStudio Connect"
	case ServerSSP:
		return "Shiny Server Pro"
	default:
		return "unknown"
	}
}

// IsProtected probes the application URL. Gateways hide protected apps
// behind 403 or 404 until a login cookie is presented.
func IsProtected(client *http.Client, appURL string) (bool, error) {
	resp, err := get(client, appURL)
	if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", appURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound, nil
}

// ServedBy classifies a response by the headers and cookies each product
// stamps on it.
func ServedBy(resp *http.Response) ServerType {
	switch resp.Header.Get("X-Powered-By") {
	case "Express", "Shiny Server Pro":
		return ServerSSP
	}
	if resp.Header.Get("rscid") != "" {
		return ServerRSC
	}
	if strings.HasPrefix(resp.Header.Get("Server"), "RStudio Connect") {
		return ServerRSC
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "rscid" {
			return ServerRSC
		}
	}
	return ServerUnknown
}

// LoginURL derives the login endpoint from the application URL. Connect
// serves __login__ two path levels up from the app (handling reverse-proxy
// mounts); Shiny Server Pro serves it under the app path itself.
func LoginURL(appURL string, server ServerType) (string, error) {
	u, err := url.Parse(appURL)
	if err != nil {
		return "", fmt.Errorf("invalid app URL: %w", err)
	}
	switch server {
	case ServerRSC:
		components := splitPath(u.Path)
		if len(components) > 2 {
			components = append(components[:len(components)-2], "__login__")
			u.Path = "/" + strings.Join(components, "/")
		} else {
			u.Path = "/__login__"
		}
	case ServerSSP:
		u.Path = strings.TrimSuffix(u.Path, "/") + "/__login__"
	default:
		return "", ErrUnknownServer
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func splitPath(p string) []string {
	var components []string
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

// HiddenInputs collects the name/value pairs of all hidden form inputs in an
// HTML document. Shiny Server Pro's login form carries CSRF state this way.
func HiddenInputs(body []byte) map[string]string {
	inputs := make(map[string]string)
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return inputs
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var inputType, name, value string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "type":
					inputType = attr.Val
				case "name":
					name = attr.Val
				case "value":
					value = attr.Val
				}
			}
			if inputType == "hidden" && name != "" {
				inputs[name] = value
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return inputs
}

// PostLogin fetches the application once to classify the server, then logs
// in with the appropriate flow. The session cookies land in the client's
// jar, where subsequent GETs and the WebSocket handshake pick them up.
func PostLogin(client *http.Client, appURL, user, password string, logger *log.Logger) error {
	resp, err := get(client, appURL)
	if err != nil {
		return fmt.Errorf("failed to fetch login page: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read login page: %w", err)
	}

	server := ServedBy(resp)
	logger.Debug("detected server type", "server", server.String())

	loginURL, err := LoginURL(appURL, server)
	if err != nil {
		return err
	}

	switch server {
	case ServerRSC:
		return loginRSC(client, appURL, loginURL, user, password)
	case ServerSSP:
		return loginSSP(client, appURL, loginURL, user, password, HiddenInputs(body))
	default:
		return ErrUnknownServer
	}
}

func loginRSC(client *http.Client, appURL, loginURL, user, password string) error {
	payload, err := json.Marshal(map[string]string{
		"username": user,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login payload: %w", err)
	}

	resp, err := post(client, loginURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := checkLoginStatus(resp.StatusCode); err != nil {
		return err
	}
	if !jarHasCookie(client, appURL, "rsconnect") {
		return fmt.Errorf("%w: rsconnect cookie not set", ErrLoginFailed)
	}
	return nil
}

func loginSSP(client *http.Client, appURL, loginURL, user, password string, hidden map[string]string) error {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", password)
	for name, value := range hidden {
		form.Set(name, value)
	}

	resp, err := post(client, loginURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := checkLoginStatus(resp.StatusCode); err != nil {
		return err
	}
	if !jarHasCookie(client, appURL, "session_state") {
		return fmt.Errorf("%w: session_state cookie not set", ErrLoginFailed)
	}
	return nil
}

func checkLoginStatus(status int) error {
	if status != http.StatusOK && status != http.StatusFound {
		return fmt.Errorf("%w: unexpected status %d", ErrLoginFailed, status)
	}
	return nil
}

func jarHasCookie(client *http.Client, rawURL, name string) bool {
	if client.Jar == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, cookie := range client.Jar.Cookies(u) {
		if cookie.Name == name {
			return true
		}
	}
	return false
}

func get(client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return client.Do(req)
}

func post(client *http.Client, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Content-Type", contentType)
	return client.Do(req)
}
