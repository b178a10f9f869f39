package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const restSendTimeout = 10 * time.Second

// RestSender posts frames to the room's send-app-message endpoint. A 404
// from an idle room is demoted to debug; any other client error is logged
// once per status and then silenced so a misbehaving room cannot flood the
// logs.
type RestSender struct {
	logger   *slog.Logger
	client   *http.Client
	baseURL  string
	roomName string
	apiKey   string

	mu     sync.Mutex
	logged map[int]struct{}
}

func NewRestSender(baseURL, roomName, apiKey string, logger *slog.Logger) *RestSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &RestSender{
		logger:   logger,
		client:   &http.Client{Timeout: restSendTimeout},
		baseURL:  baseURL,
		roomName: roomName,
		apiKey:   apiKey,
		logged:   make(map[int]struct{}),
	}
}

// Send posts one frame as {data, recipient:"*"}. Errors are swallowed after
// logging; the forwarder never retries REST sends.
func (r *RestSender) Send(ctx context.Context, frame json.RawMessage) {
	if r == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"data":      frame,
		"recipient": "*",
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/rooms/%s/send-app-message", r.baseURL, r.roomName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("rest send request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("rest send failed", "room", r.roomName, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		// Idle room with no data channel yet.
		r.logger.Debug("rest send 404", "room", r.roomName)
	default:
		r.logOnce(resp.StatusCode)
	}
}

func (r *RestSender) logOnce(status int) {
	r.mu.Lock()
	_, seen := r.logged[status]
	if !seen {
		r.logged[status] = struct{}{}
	}
	r.mu.Unlock()
	if !seen {
		r.logger.Warn("rest send rejected, suppressing repeats", "room", r.roomName, "status", status)
	}
}
