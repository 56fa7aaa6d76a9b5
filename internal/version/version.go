package version

// Version is the release version, overridable at build time with
// -ldflags "-X github.com/rstudio/shinycannon/internal/version.Version=...".
var Version = "1.2.0"

// UserAgent is sent on every outgoing HTTP request and WebSocket handshake.
func UserAgent() string {
	return "shinycannon/" + Version
}
