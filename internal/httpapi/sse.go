package httpapi

import (
	"encoding/json"
	"net/http"
)

// sseChunkSize splits the reply into deltas so streaming clients render
// progressively even though the pipeline produces the full text at once.
const sseChunkSize = 512

// streamSSE emits the upstream streaming event sequence for a completed
// reply: message_start, one text content block in deltas, message_delta with
// the stop reason, message_stop.
func streamSSE(w http.ResponseWriter, id, model, text, stopReason string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by transport")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(event string, data interface{}) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("event: " + event + "\ndata: " + string(payload) + "\n\n"))
		flusher.Flush()
	}

	emit("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"model":   model,
			"content": []interface{}{},
		},
	})
	emit("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	for start := 0; start < len(text); start += sseChunkSize {
		end := start + sseChunkSize
		if end > len(text) {
			end = len(text)
		}
		emit("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": text[start:end]},
		})
	}

	emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": 0,
	})
	emit("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason},
	})
	emit("message_stop", map[string]interface{}{
		"type": "message_stop",
	})
}
