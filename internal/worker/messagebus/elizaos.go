package messagebus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/store"
)

const elizaTimeoutReply = "No response from ElizaOS (Timeout)."

type sessionCreateRequest struct {
	AgentID  string         `json:"agentId"`
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata"`
}

type sessionCreateResponse struct {
	SessionID string `json:"sessionId"`
}

type sessionMessageRequest struct {
	Content   string `json:"content"`
	Transport string `json:"transport"`
}

type sessionMessageResponse struct {
	// agentResponse is either an object with a text field or a bare string.
	AgentResponse json.RawMessage `json:"agentResponse"`
}

type sessionPollResponse struct {
	Messages []struct {
		IsAgent bool   `json:"isAgent"`
		Content string `json:"content"`
	} `json:"messages"`
}

// chatElizaOS relays one chat message over ElizaOS's session API: find or
// create a durable session, post the message, and fall back to polling
// when no synchronous reply arrives. A session the server no longer knows
// is dropped and recreated once. Always returns user-facing text.
func (b *Bridge) chatElizaOS(ctx context.Context, rec *store.AgentRecord, endpoint, userID, content string) string {
	baseURL := endpoint
	if baseURL == "" {
		if b.inDocker {
			baseURL = fmt.Sprintf("http://%s:3000", handlers.ContainerName(store.FrameworkElizaOS, rec.ID, rec.ProjectID.String))
		} else {
			baseURL = "http://localhost:3000"
		}
	}

	response, sessionID, err := b.sendToSession(ctx, rec, baseURL, userID, content)
	if err != nil {
		slog.Error("elizaos bridge error", "agent_id", rec.ID, "error", err)
		return "[ELIZAOS ERROR]: " + err.Error()
	}

	if response == "" && sessionID != "" {
		response = b.pollSession(ctx, baseURL, sessionID)
	}
	if response == "" {
		return elizaTimeoutReply
	}
	return response
}

// sendToSession delivers the message synchronously, recreating the session
// once when the server reports it gone. It returns the reply text (may be
// empty, meaning "poll for it") and the session id used.
func (b *Bridge) sendToSession(ctx context.Context, rec *store.AgentRecord, baseURL, userID, content string) (string, string, error) {
	sessionID, err := b.store.GetSession(ctx, rec.ID, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", "", err
		}
		sessionID = ""
	}

	for attempt := 0; attempt < 2; attempt++ {
		if sessionID == "" {
			sessionID, err = b.createSession(ctx, rec, baseURL, userID)
			if err != nil {
				return "", "", err
			}
		}

		reply, stale, err := b.postSessionMessage(ctx, baseURL, sessionID, content)
		if err != nil {
			// Transport errors fall through to the polling fallback.
			slog.Warn("elizaos synchronous send failed, will poll", "agent_id", rec.ID, "error", err)
			return "", sessionID, nil
		}
		if stale {
			slog.Warn("elizaos session not found, recreating", "session_id", sessionID)
			if err := b.store.DeleteSessionByRemoteID(ctx, sessionID); err != nil {
				return "", "", err
			}
			sessionID = ""
			continue
		}
		return reply, sessionID, nil
	}

	return "", sessionID, nil
}

func (b *Bridge) createSession(ctx context.Context, rec *store.AgentRecord, baseURL, userID string) (string, error) {
	slog.Info("creating elizaos session", "agent_id", rec.ID, "user_id", userID)

	body, err := json.Marshal(sessionCreateRequest{
		AgentID:  rec.ID,
		UserID:   userID,
		Metadata: map[string]any{"source": "blueprints-worker"},
	})
	if err != nil {
		return "", err
	}

	status, raw, err := b.postJSON(ctx, baseURL+"/api/messaging/sessions", body, b.cfg.ChatTimeout)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("create session: %s", strings.TrimSpace(string(raw)))
	}

	var parsed sessionCreateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	if parsed.SessionID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}

	if err := b.store.SaveSession(ctx, rec.ID, userID, rec.ProjectID.String, parsed.SessionID); err != nil {
		return "", err
	}
	return parsed.SessionID, nil
}

// postSessionMessage returns (reply, sessionStale, err). An empty reply
// with nil error means the caller should poll.
func (b *Bridge) postSessionMessage(ctx context.Context, baseURL, sessionID, content string) (string, bool, error) {
	body, err := json.Marshal(sessionMessageRequest{Content: content, Transport: "http"})
	if err != nil {
		return "", false, err
	}

	status, raw, err := b.postJSON(ctx, baseURL+"/api/messaging/sessions/"+sessionID+"/messages", body, b.cfg.ChatTimeout)
	if err != nil {
		return "", false, err
	}

	if status >= 200 && status <= 299 {
		var parsed sessionMessageResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", false, err
		}
		return extractAgentResponse(parsed.AgentResponse), false, nil
	}

	text := string(raw)
	if strings.Contains(text, "SESSION_NOT_FOUND") ||
		(strings.Contains(text, "Session with ID") && strings.Contains(text, "not found")) {
		return "", true, nil
	}

	// Other failures (5xx included) are not fatal; polling may still
	// pick up the agent's reply.
	slog.Warn("elizaos message rejected", "status", status, "body", strings.TrimSpace(text))
	return "", false, nil
}

// pollSession watches the session for the newest agent-authored message,
// bounded by the configured attempt count.
func (b *Bridge) pollSession(ctx context.Context, baseURL, sessionID string) string {
	slog.Info("polling elizaos session for reply", "session_id", sessionID)

	for attempt := 0; attempt < b.cfg.SessionPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(b.cfg.SessionPollDelay):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/messaging/sessions/"+sessionID+"/messages?limit=1", nil)
		if err != nil {
			return ""
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.httpc.Do(req)
		if err != nil {
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			// Session vanished mid-poll; nothing more will arrive.
			return ""
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 || readErr != nil {
			continue
		}

		var parsed sessionPollResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			continue
		}
		if len(parsed.Messages) > 0 && parsed.Messages[0].IsAgent {
			return parsed.Messages[0].Content
		}
	}
	return ""
}

func (b *Bridge) postJSON(ctx context.Context, url string, body []byte, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// extractAgentResponse accepts both reply shapes the session API produces:
// {"text": "..."} and a bare string.
func extractAgentResponse(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
