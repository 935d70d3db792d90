// Package httpapi serves the OpenAI-compatible chat completions endpoint
// on the gateway listener. One request runs one agent turn; streaming uses
// standard SSE framing.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epiloop/epiloop/internal/agent"
	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/sessions"
)

// AgentIDHeader selects the agent when the model field does not.
const AgentIDHeader = "X-Epiloop-Agent-Id"

// Handler serves POST /v1/chat/completions.
type Handler struct {
	cfg    *config.Config
	runner agent.Runner
	logger *slog.Logger
}

// NewHandler wires the endpoint to an agent runner.
func NewHandler(cfg *config.Config, runner agent.Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, runner: runner, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if !h.authorized(r) {
		httpError(w, http.StatusUnauthorized, "missing or invalid bearer credential")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	prompt := buildPrompt(req.Messages)
	if prompt == "" {
		httpError(w, http.StatusBadRequest, "no user message")
		return
	}

	agentID := h.selectAgent(req.Model, r.Header.Get(AgentIDHeader))
	resolved := h.cfg.ResolveAgent(agentID)
	route := agent.Route{AgentID: agentID, Provider: resolved.Provider, Model: resolved.Model}

	// Stateless per request unless the caller names a stable user.
	var key sessions.Key
	if req.User != "" {
		key = sessions.DeriveHTTP(req.User)
	} else {
		key = sessions.Key("http:api:direct:req-" + uuid.NewString())
	}

	ceiling := agent.DefaultRunCeiling
	if c := resolved.RunCeiling; c != "" {
		if d, err := time.ParseDuration(c); err == nil && d > 0 {
			ceiling = d
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), ceiling)
	defer cancel()

	id := "chatcmpl-" + uuid.NewString()
	model := "epiloop:" + agentID

	if req.Stream {
		h.streamRun(ctx, w, id, model, key, prompt, route)
		return
	}

	var text strings.Builder
	status, err := h.runner.Run(ctx, agent.Request{SessionKey: key, Prompt: prompt, Route: route},
		func(b agent.Block) {
			if b.ToolCall == "" {
				text.WriteString(b.Text)
			}
		})
	if err != nil || status.Outcome == agent.OutcomeFailed {
		h.logger.Error("httpapi.run_failed", "agent", agentID, "error", err, "detail", status.Error)
		httpError(w, http.StatusInternalServerError, "agent run failed")
		return
	}

	stop := "stop"
	resp := chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      &chatMessage{Role: "assistant", Content: text.String()},
			FinishReason: &stop,
		}},
		Usage: &chatUsage{
			PromptTokens:     status.InputTokens,
			CompletionTokens: status.OutputTokens,
			TotalTokens:      status.InputTokens + status.OutputTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) streamRun(ctx context.Context, w http.ResponseWriter, id, model string, key sessions.Key, prompt string, route agent.Route) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeChunk := func(c chatResponse) {
		data, _ := json.Marshal(c)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	created := time.Now().Unix()
	status, err := h.runner.Run(ctx, agent.Request{SessionKey: key, Prompt: prompt, Route: route},
		func(b agent.Block) {
			if b.ToolCall != "" || b.Text == "" {
				return
			}
			writeChunk(chatResponse{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []chatChoice{{Delta: &chatMessage{Content: b.Text}}},
			})
		})
	if err != nil || status.Outcome == agent.OutcomeFailed {
		h.logger.Error("httpapi.stream_failed", "error", err, "detail", status.Error)
	}

	stop := "stop"
	writeChunk(chatResponse{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chatChoice{{Delta: &chatMessage{}, FinishReason: &stop}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// authorized checks the bearer credential against the gateway auth config,
// honoring the same env overrides as the WebSocket handshake.
func (h *Handler) authorized(r *http.Request) bool {
	auth := h.cfg.Gateway.Auth
	var want string
	switch auth.Mode {
	case config.AuthModeToken:
		want = auth.Token
	case config.AuthModePassword:
		want = auth.Password
	default:
		return true
	}
	if want == "" {
		return false
	}
	cred := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if cred == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred), []byte(want)) == 1
}

// selectAgent applies the precedence: model prefix, header, default.
func (h *Handler) selectAgent(model, header string) string {
	for _, prefix := range []string{"epiloop:", "agent:"} {
		if strings.HasPrefix(model, prefix) {
			if id := strings.TrimPrefix(model, prefix); id != "" {
				return id
			}
		}
	}
	if header != "" {
		return header
	}
	return h.cfg.ResolveDefaultAgentID()
}

// buildPrompt folds the message list into one prompt: system lines first,
// then the trailing user turn.
func buildPrompt(messages []chatMessage) string {
	var system, user []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			user = append(user, m.Content)
		}
	}
	if len(user) == 0 {
		return ""
	}
	parts := append(system, user[len(user)-1])
	return strings.Join(parts, "\n\n")
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg},
	})
}
