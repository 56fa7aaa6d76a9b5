package auth

import (
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
)

func responseWith(headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: 200, Header: h}
}

func TestServedBy(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    ServerType
	}{
		{"express", map[string]string{"X-Powered-By": "Express"}, ServerSSP},
		{"ssp", map[string]string{"X-Powered-By": "Shiny Server Pro"}, ServerSSP},
		{"rscid header", map[string]string{"rscid": "abc"}, ServerRSC},
		{"connect server header", map[string]string{"Server": "RStudio Connect v1.8"}, ServerRSC},
		{"rscid cookie", map[string]string{"Set-Cookie": "rscid=xyz; Path=/"}, ServerRSC},
		{"plain nginx", map[string]string{"Server": "nginx"}, ServerUnknown},
		{"nothing", nil, ServerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ServedBy(responseWith(tt.headers)); got != tt.want {
				t.Errorf("ServedBy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoginURL(t *testing.T) {
	tests := []struct {
		name   string
		appURL string
		server ServerType
		want   string
	}{
		{"rsc shallow path", "https://rsc.example.com/content/42", ServerRSC, "https://rsc.example.com/__login__"},
		{"rsc proxy mount", "https://example.com/proxy/rsc/content/42", ServerRSC, "https://example.com/proxy/rsc/__login__"},
		{"rsc root", "https://rsc.example.com/", ServerRSC, "https://rsc.example.com/__login__"},
		{"ssp", "https://ssp.example.com/apps/dashboard/", ServerSSP, "https://ssp.example.com/apps/dashboard/__login__"},
		{"ssp no slash", "https://ssp.example.com/apps/dashboard", ServerSSP, "https://ssp.example.com/apps/dashboard/__login__"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoginURL(tt.appURL, tt.server)
			if err != nil {
				t.Fatalf("LoginURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LoginURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoginURLUnknownServer(t *testing.T) {
	_, err := LoginURL("https://example.com/app", ServerUnknown)
	if !errors.Is(err, ErrUnknownServer) {
		t.Errorf("error = %v, want ErrUnknownServer", err)
	}
}

func TestHiddenInputs(t *testing.T) {
	body := `<html><body><form method="post">
		<input type="hidden" name="csrf_token" value="tok123"/>
		<input type="hidden" name="appUri" value="/apps/dashboard/">
		<input type="text" name="username" value="ignored">
		<input type="hidden" value="nameless">
	</form></body></html>`

	inputs := HiddenInputs([]byte(body))
	if len(inputs) != 2 {
		t.Fatalf("HiddenInputs() returned %d entries: %v", len(inputs), inputs)
	}
	if inputs["csrf_token"] != "tok123" {
		t.Errorf("csrf_token = %q", inputs["csrf_token"])
	}
	if inputs["appUri"] != "/apps/dashboard/" {
		t.Errorf("appUri = %q", inputs["appUri"])
	}
}

func TestIsProtected(t *testing.T) {
	for _, tt := range []struct {
		status int
		want   bool
	}{
		{200, false},
		{403, true},
		{404, true},
		{500, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		got, err := IsProtected(srv.Client(), srv.URL)
		srv.Close()
		if err != nil {
			t.Fatalf("IsProtected() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("IsProtected() with status %d = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPostLoginSSP(t *testing.T) {
	var sawForm map[string][]string
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/dash", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "Shiny Server Pro")
		io.WriteString(w, `<form><input type="hidden" name="state" value="s1"></form>`)
	})
	mux.HandleFunc("/apps/dash/__login__", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		sawForm = r.PostForm
		http.SetCookie(w, &http.Cookie{Name: "session_state", Value: "ok", Path: "/"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	logger := log.New(io.Discard)

	if err := PostLogin(client, srv.URL+"/apps/dash", "alice", "hunter2", logger); err != nil {
		t.Fatalf("PostLogin() error = %v", err)
	}

	if got := sawForm.Get("username"); got != "alice" {
		t.Errorf("username = %q", got)
	}
	if got := sawForm.Get("state"); got != "s1" {
		t.Errorf("hidden input state = %q", got)
	}
}

func TestPostLoginRSCMissingCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/content/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "RStudio Connect v2024")
	})
	mux.HandleFunc("/__login__", func(w http.ResponseWriter, r *http.Request) {
		// 200 but no rsconnect cookie.
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	logger := log.New(io.Discard)

	err := PostLogin(client, srv.URL+"/content/1", "alice", "hunter2", logger)
	if !errors.Is(err, ErrLoginFailed) {
		t.Errorf("error = %v, want ErrLoginFailed", err)
	}
}

func TestPostLoginUnknownServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	logger := log.New(io.Discard)

	err := PostLogin(client, srv.URL, "alice", "hunter2", logger)
	if !errors.Is(err, ErrUnknownServer) {
		t.Errorf("error = %v, want ErrUnknownServer", err)
	}
}
