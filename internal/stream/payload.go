package stream

import (
	"encoding/json"
	"fmt"
)

// CompletePayload renders the JSON body of a job's terminal result message.
// Everyone who ends a stream (worker, cancel handler, SSE replay) publishes
// the same shape so clients parse one format.
func CompletePayload(status string, culpritSHA, culpritMessage, errorMessage *string) string {
	frame := struct {
		Status         string  `json:"status"`
		CulpritSHA     *string `json:"culprit_sha,omitempty"`
		CulpritMessage *string `json:"culprit_message,omitempty"`
		ErrorMessage   *string `json:"error_message,omitempty"`
	}{
		Status:         status,
		CulpritSHA:     culpritSHA,
		CulpritMessage: culpritMessage,
		ErrorMessage:   errorMessage,
	}
	b, _ := json.Marshal(frame)
	return string(b)
}

// ProgressPayload renders the body of a bisect progress message in the
// "<step>/<total>|<message>" shape stream clients parse.
func ProgressPayload(step, total int, message string) string {
	return fmt.Sprintf("%d/%d|%s", step, total, message)
}
