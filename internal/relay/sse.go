package relay

import (
	"encoding/json"
	"strings"

	"inference-gateway/internal/shared"
)

var heartbeat = []byte(shared.HeartbeatComment + "\n\n")

// ErrorEvent formats a terminal `event: error` block carrying message
func ErrorEvent(message string) []byte {
	var body shared.StreamError
	body.Error.Message = message
	data, _ := json.Marshal(body)
	return []byte("event: error\ndata: " + string(data) + "\n\n")
}

// frame renders one upstream line as an event stream frame. Lines already in
// data form pass through untouched.
func frame(line string) []byte {
	if strings.HasPrefix(line, "data:") {
		return []byte(line + "\n\n")
	}
	return []byte("data: " + line + "\n\n")
}

// DeltaText concatenates the incremental content carried by data lines.
// Lines that are not chat deltas are ignored.
func DeltaText(lines []string) string {
	var sb strings.Builder
	for _, line := range lines {
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk shared.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != nil {
				sb.WriteString(*choice.Delta.Content)
			}
		}
	}
	return sb.String()
}

// StreamUsage returns the last usage block seen on the stream, if any
func StreamUsage(lines []string) *shared.Usage {
	var usage *shared.Usage
	for _, line := range lines {
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok || !strings.Contains(payload, `"usage"`) {
			continue
		}
		var chunk shared.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	return usage
}
