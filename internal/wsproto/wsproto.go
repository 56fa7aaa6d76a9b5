// Package wsproto classifies and decodes the WebSocket text frames a Shiny
// server sends. Frames arrive either raw (dev server) or wrapped in SockJS
// data-frame envelopes of the form a["<payload>"], optionally carrying a
// hex message-ID prefix when robust reconnects are enabled.
package wsproto

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	// messageIDPrefix strips the reconnect message ID, e.g. a["1A2B#0|m|...
	// becomes a["*#0|m|... so one pattern matches both wire forms.
	messageIDPrefix = regexp.MustCompile(`^a\["[0-9A-F]+#`)

	// innerMessage captures the JSON-string-encoded Shiny message inside a
	// SockJS data frame.
	innerMessage = regexp.MustCompile(`(?s)^a\["(\*#)?0\|m\|(.*)"\]$`)

	ackFrame = regexp.MustCompile(`^a?\["ACK`)
)

// ignorableKeys mark operational messages that are never part of a recorded
// script: busy state, progress bars and recalculation notices.
var ignorableKeys = []string{"busy", "progress", "recalculating"}

func normalize(msg string) string {
	return messageIDPrefix.ReplaceAllLiteralString(msg, `a["*#`)
}

// Parse decodes a frame into the Shiny message object it carries. Frames
// that carry no object — the SockJS open frame "o", or text that is not a
// JSON object — yield (nil, nil); callers decide whether that is fatal.
// A data frame whose inner payload fails to decode is an error.
func Parse(msg string) (map[string]interface{}, error) {
	if m := innerMessage.FindStringSubmatch(normalize(msg)); m != nil {
		var inner string
		if err := json.Unmarshal([]byte(`"`+m[2]+`"`), &inner); err != nil {
			return nil, fmt.Errorf("decoding inner message string: %w", err)
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(inner), &obj); err != nil {
			return nil, fmt.Errorf("decoding inner message object: %w", err)
		}
		return obj, nil
	}
	if msg == "o" {
		return nil, nil
	}
	// Dev servers send bare JSON without SockJS framing.
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(msg), &obj); err != nil {
		return nil, nil
	}
	return obj, nil
}

// CanIgnore reports whether a server frame is operational noise that must be
// dropped before it reaches the receive queue. A frame that cannot be
// classified is an error, not an ignorable.
func CanIgnore(msg string) (bool, error) {
	if msg == "o" {
		return false, nil
	}
	if msg == "h" || ackFrame.MatchString(msg) {
		return true, nil
	}

	obj, err := Parse(msg)
	if err != nil {
		return false, err
	}
	if obj == nil {
		// "o" was handled above; anything else without a message object is
		// a frame this client does not understand.
		return false, fmt.Errorf("frame carries no message object: %q", msg)
	}

	for _, key := range ignorableKeys {
		if _, ok := obj[key]; ok {
			return true, nil
		}
	}

	// {"custom":{"reactlog":...}} with no other keys at either level.
	if len(obj) == 1 {
		if custom, ok := obj["custom"].(map[string]interface{}); ok && len(custom) == 1 {
			if _, ok := custom["reactlog"]; ok {
				return true, nil
			}
		}
	}

	if isEmptyDiff(obj) {
		return true, nil
	}

	return false, nil
}

// isEmptyDiff matches {"errors":[],"values":[],"inputMessages":[]}, the no-op
// update Shiny emits. Shiny serializes empty values as either [] or {}.
func isEmptyDiff(obj map[string]interface{}) bool {
	if len(obj) != 3 {
		return false
	}
	for _, key := range []string{"errors", "values", "inputMessages"} {
		v, ok := obj[key]
		if !ok || !isEmptyCollection(v) {
			return false
		}
	}
	return true
}

func isEmptyCollection(v interface{}) bool {
	switch c := v.(type) {
	case []interface{}:
		return len(c) == 0
	case map[string]interface{}:
		return len(c) == 0
	default:
		return false
	}
}

// SameKeys reports whether two objects have identical top-level key sets,
// the structural comparison applied to expected vs received frames.
func SameKeys(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
