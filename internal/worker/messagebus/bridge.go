// Package messagebus relays conversation traffic between users and their
// agents: it watches agent_conversations for new user messages and answers
// each one with exactly one agent reply, either by proxying chat to the
// agent's HTTP endpoint or by running a terminal command in its container.
package messagebus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mcarata/blueprints/internal/worker/config"
	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/store"
)

const terminalPrefix = "/terminal"

const terminalHelp = `Terminal Command Center

Commands prefixed with /terminal execute inside the agent container.

Examples:
/terminal ls
/terminal whoami
/terminal node -v
`

// Registry resolves framework handlers for terminal commands.
type Registry interface {
	Get(framework string) (handlers.Handler, error)
}

// Store is the slice of the state store the bridge uses.
type Store interface {
	LatestSeq(ctx context.Context) (int64, error)
	UserMessagesAfter(ctx context.Context, afterSeq int64) ([]store.Message, error)
	InsertMessage(ctx context.Context, m *store.Message) error
	GetAgentRecord(ctx context.Context, id string) (*store.AgentRecord, error)
	GetSession(ctx context.Context, agentID, userID string) (string, error)
	SaveSession(ctx context.Context, agentID, userID, projectID, sessionID string) error
	DeleteSessionByRemoteID(ctx context.Context, sessionID string) error
}

// Bridge polls for inserted user messages and dispatches each one.
type Bridge struct {
	store    Store
	registry Registry
	cfg      *config.Config
	httpc    *http.Client

	// inDocker switches agent URLs from published host ports to bridge
	// network names when the worker itself runs in a container.
	inDocker bool
}

// New builds a bridge. The HTTP client carries no global timeout; each
// request gets a per-call deadline instead.
func New(st Store, registry Registry, cfg *config.Config) *Bridge {
	_, err := os.Stat("/.dockerenv")
	return &Bridge{
		store:    st,
		registry: registry,
		cfg:      cfg,
		httpc:    &http.Client{},
		inDocker: err == nil,
	}
}

// Run polls until the context is canceled. The cursor starts at the
// current newest row so a restart never replays history.
func (b *Bridge) Run(ctx context.Context) error {
	cursor, err := b.store.LatestSeq(ctx)
	if err != nil {
		return err
	}
	slog.Info("message bus started", "poll_interval", b.cfg.MessagePollInterval, "cursor", cursor)

	ticker := time.NewTicker(b.cfg.MessagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("message bus stopped")
			return nil
		case <-ticker.C:
			msgs, err := b.store.UserMessagesAfter(ctx, cursor)
			if err != nil {
				slog.Error("poll user messages", "error", err)
				continue
			}
			for _, msg := range msgs {
				if err := b.HandleUserMessage(ctx, msg); err != nil {
					slog.Error("handle user message", "message_id", msg.ID, "agent_id", msg.AgentID, "error", err)
				}
				// The cursor advances regardless: a poison message must not
				// wedge the bridge.
				cursor = msg.Seq
			}
		}
	}
}

// HandleUserMessage relays one user message. Every outcome ends with one
// inserted agent reply, except when the agent row is gone or the agent is
// simply not running.
func (b *Bridge) HandleUserMessage(ctx context.Context, msg store.Message) error {
	content := strings.TrimSpace(msg.Content)
	slog.Info("processing message", "message_id", msg.ID, "agent_id", msg.AgentID)

	rec, err := b.store.GetAgentRecord(ctx, msg.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("message for unknown agent", "agent_id", msg.AgentID)
			return nil
		}
		return err
	}

	if content == terminalPrefix || strings.HasPrefix(content, terminalPrefix+" ") {
		return b.handleTerminal(ctx, rec, msg, content)
	}
	return b.handleChat(ctx, rec, msg, content)
}

func (b *Bridge) handleTerminal(ctx context.Context, rec *store.AgentRecord, msg store.Message, content string) error {
	command := strings.TrimSpace(strings.TrimPrefix(content, terminalPrefix))
	if command == "" || command == "help" {
		return b.reply(ctx, msg, terminalHelp)
	}

	h, err := b.registry.Get(rec.Framework)
	if err != nil {
		return b.reply(ctx, msg, "Error: "+err.Error())
	}

	slog.Info("terminal command", "agent_id", rec.ID, "command", command)
	output := h.RunCommand(ctx, rec.ID, command, rec.ProjectID.String)
	return b.reply(ctx, msg, "$ "+command+"\n\n"+output)
}

func (b *Bridge) handleChat(ctx context.Context, rec *store.AgentRecord, msg store.Message, content string) error {
	if rec.Actual == nil || rec.Actual.Status != store.StatusRunning {
		slog.Warn("chat for non-running agent", "agent_id", rec.ID, "status", actualStatus(rec))
		return nil
	}
	endpoint := rec.Actual.EndpointURL.String
	if rec.Framework != store.FrameworkElizaOS && endpoint == "" {
		slog.Warn("chat for agent without endpoint", "agent_id", rec.ID)
		return nil
	}

	var response string
	switch rec.Framework {
	case store.FrameworkOpenClaw:
		response = b.chatOpenClaw(ctx, rec, endpoint, content)
	case store.FrameworkElizaOS:
		response = b.chatElizaOS(ctx, rec, endpoint, msg.UserID, content)
	default:
		response = "Protocol Note: " + rec.Framework + " bridge pending."
	}

	return b.reply(ctx, msg, response)
}

func (b *Bridge) reply(ctx context.Context, msg store.Message, content string) error {
	return b.store.InsertMessage(ctx, &store.Message{
		AgentID: msg.AgentID,
		UserID:  msg.UserID,
		Sender:  store.SenderAgent,
		Content: content,
	})
}

func actualStatus(rec *store.AgentRecord) string {
	if rec.Actual == nil {
		return ""
	}
	return rec.Actual.Status
}
