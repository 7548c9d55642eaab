package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Inbound wire format: a frame is text whose first line names the packet
// (case-insensitive) and whose remaining lines, rejoined with newlines, form
// the packet's JSON body. A frame with no body parses to an empty body.
func parseFrame(frame []byte) (name string, body []byte) {
	text := string(frame)
	head, rest, found := strings.Cut(text, "\n")
	name = strings.ToLower(strings.TrimSpace(head))
	if !found {
		return name, nil
	}
	return name, []byte(rest)
}

// encodeFrame builds an outbound frame: one JSON object holding the body's
// fields plus the discriminating "packet" field. body must marshal to a
// JSON object (or nil).
func encodeFrame(packet string, body any) []byte {
	encoded, err := json.Marshal(body)
	if err != nil {
		slog.Error("Failed to marshal outbound packet", "packet", packet, "error", err)
		encoded = nil
	}
	name, _ := json.Marshal(packet)

	frame := make([]byte, 0, len(encoded)+len(name)+12)
	frame = append(frame, `{"packet":`...)
	frame = append(frame, name...)
	if len(encoded) > 2 && encoded[0] == '{' {
		frame = append(frame, ',')
		frame = append(frame, encoded[1:]...)
		return frame
	}
	frame = append(frame, '}')
	return frame
}

type notifyLevel string

const (
	notifyInfo    notifyLevel = "INFO"
	notifyWarning notifyLevel = "WARNING"
	notifyError   notifyLevel = "ERROR"
)

type notifyBody struct {
	Type    notifyLevel `json:"type"`
	Message string      `json:"message"`
}

func notifyFrame(level notifyLevel, message string) []byte {
	return encodeFrame("notify", notifyBody{Type: level, Message: message})
}

func requireLoginFrame() []byte {
	return encodeFrame("require_login", struct{}{})
}
