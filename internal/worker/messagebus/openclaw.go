package messagebus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mcarata/blueprints/common/retry"
	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// openClawTimeoutSentinel is the gateway's own "model never answered"
// reply; it gets mapped to a clearer diagnostic before reaching the user.
const openClawTimeoutSentinel = "No response from OpenClaw."

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// chatOpenClaw relays one chat message to an OpenClaw gateway with bounded
// retries. It always returns user-facing text, never an error: failures
// are translated into categorized diagnostics.
func (b *Bridge) chatOpenClaw(ctx context.Context, rec *store.AgentRecord, endpoint, content string) string {
	token := b.gatewayToken(rec)

	agentURL := endpoint
	if b.inDocker {
		agentURL = fmt.Sprintf("http://%s:18789", handlers.ContainerName(store.FrameworkOpenClaw, rec.ID, ""))
	}

	var response string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  b.cfg.ChatMaxAttempts,
		InitialDelay: b.cfg.ChatRetryDelay,
		MaxDelay:     b.cfg.ChatRetryDelay,
	}, func() error {
		var err error
		response, err = b.chatCompletion(ctx, agentURL, token, rec.ID, content)
		return err
	})
	if err != nil {
		return translateOpenClawError(err.Error())
	}

	if response == openClawTimeoutSentinel {
		return "[GATEWAY TIMEOUT]: The agent failed to respond in time. This is often due to an overloaded model context window or a slow API provider connection."
	}
	return response
}

func (b *Bridge) chatCompletion(ctx context.Context, agentURL, token, agentID, content string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.ChatTimeout)
	defer cancel()

	body, err := json.Marshal(chatCompletionRequest{
		Model:    "openclaw",
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, agentURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-openclaw-agent-id", agentID)

	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s", strings.TrimSpace(string(raw)))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// gatewayToken pulls the bearer token out of the agent's desired config.
// A missing token is not fatal here; the gateway will answer 401 and the
// error translation takes over.
func (b *Bridge) gatewayToken(rec *store.AgentRecord) string {
	if rec.Desired == nil {
		return ""
	}
	doc, err := handlers.ParseDocument(rec.Desired.Config)
	if err != nil {
		return ""
	}
	decrypted, err := doc.Decrypt(b.cfg.MasterKey)
	if err != nil {
		return ""
	}
	return decrypted.String("gateway", "auth", "token")
}

// translateOpenClawError maps known failure substrings to distinct
// user-facing diagnostics; anything unknown passes through labeled.
func translateOpenClawError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "socket connection was closed"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(msg, "ECONNREFUSED"):
		return "[AGENT CONNECTION ERROR]: The agent container is unreachable. It might still be booting or has crashed. Please check the Agent Status in the dashboard."
	case strings.Contains(lower, "context window"):
		return "[MODEL CAPACITY ERROR]: This conversation has exceeded the AI model's memory limit (context window). Try using a model with a larger context (like gpt-4o) or start a new conversation."
	case strings.Contains(lower, "unauthorized"), strings.Contains(msg, "401"):
		return "[AUTHENTICATION ERROR]: Invalid API Key or Gateway Token. Please verify your gateway configuration."
	default:
		return "[AGENT ERROR]: " + msg
	}
}
