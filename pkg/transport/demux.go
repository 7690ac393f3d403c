package transport

import "encoding/json"

// peekMessageType extracts the "type" field from JSON-tagged inbound
// bytes without fully decoding the message, per the spec's one-byte-or-
// JSON-tag demultiplexing rule.
func peekMessageType(data []byte) (string, bool) {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil || tagged.Type == "" {
		return "", false
	}
	return tagged.Type, true
}
