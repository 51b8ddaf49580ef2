// Package chat orchestrates a conversation turn: memory retrieval, prompt
// assembly, upstream streaming, and memory writes. The write path depends on
// the active memory provider: with the local provider the model decides what
// to remember through a function call; hosted providers receive the whole
// exchange after the reply and extract memories on their side.
package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/llm"
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/observability"
	"github.com/talk2me/talk2me/pkg/types"
)

const (
	// maxToolRounds bounds remember-tool round-trips per turn so a model
	// stuck calling the tool cannot loop forever.
	maxToolRounds = 3

	defaultRetrievalLimit = 5

	hostedSaveTimeout = 30 * time.Second
)

const basePersona = `You are TALK2Me, a warm and attentive conversation partner. ` +
	`You listen carefully, remember what matters to the person you talk to, ` +
	`and respond with empathy in their language.`

const rememberRules = `

When the user shares something worth remembering about themselves, their ` +
	`relationships, preferences, or important events, call the remember_this ` +
	`function. Remember facts, not small talk. Never mention that you are ` +
	`saving memories.`

var rememberTool = types.Tool{
	Type: "function",
	Function: types.ToolFunction{
		Name:        "remember_this",
		Description: "Save an important fact about the user for future conversations.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {
					"type": "string",
					"description": "The full fact to remember, in the user's own words where possible."
				},
				"summary": {
					"type": "string",
					"description": "A one-sentence summary of the fact."
				},
				"importance": {
					"type": "integer",
					"minimum": 1,
					"maximum": 10,
					"description": "How important this fact is, 1 (trivial) to 10 (critical)."
				},
				"memory_type": {
					"type": "string",
					"enum": ["personal", "relationship", "preference", "event"],
					"description": "The category of the fact."
				}
			},
			"required": ["content"]
		}`),
	},
}

// Request is one conversation turn from a client.
type Request struct {
	UserID         string              `json:"user_id"`
	ConversationID string              `json:"conversation_id,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
	Messages       []types.ChatMessage `json:"messages"`
}

// Result summarizes a completed turn.
type Result struct {
	Content       string `json:"content"`
	MemoriesSaved int    `json:"memories_saved"`
}

// Service runs conversation turns against the LLM with memory on both the
// read and write side.
type Service struct {
	router *memory.Router
	client *llm.Client
	cfgMgr *config.Manager
	logger *observability.Logger
}

// NewService creates a chat service.
func NewService(router *memory.Router, client *llm.Client, cfgMgr *config.Manager, logger *observability.Logger) *Service {
	return &Service{
		router: router,
		client: client,
		cfgMgr: cfgMgr,
		logger: logger.WithFields("component", "chat"),
	}
}

// StreamTurn runs one conversation turn, calling emit for each content
// fragment as it arrives from the upstream. Memory retrieval failures
// degrade to a context-free reply; only upstream LLM failures surface.
func (s *Service) StreamTurn(ctx context.Context, req Request, emit func(delta string) error) (*Result, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	log := s.logger.WithRequestID(ctx)
	localActive := s.router.LocalActive()

	memoryContext := s.retrieveContext(ctx, req, log)

	prompt := basePersona
	if memoryContext != "" {
		prompt += "\n\n" + memoryContext
	}
	if localActive {
		prompt += rememberRules
	}

	messages := make([]types.ChatMessage, 0, len(req.Messages)+1)
	messages = append(messages, types.ChatMessage{Role: "system", Content: prompt})
	messages = append(messages, req.Messages...)

	result := &Result{}
	var reply strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		chatReq := &types.ChatRequest{
			Messages: messages,
			User:     req.UserID,
		}
		if localActive {
			chatReq.Tools = []types.Tool{rememberTool}
		}

		calls, err := s.streamRound(ctx, chatReq, &reply, emit)
		if err != nil {
			return nil, err
		}
		if len(calls) == 0 {
			break
		}

		// The model asked to remember something. Save synchronously, then
		// feed the results back so it can finish its reply.
		messages = append(messages, types.ChatMessage{Role: "assistant", ToolCalls: calls})
		for _, call := range calls {
			outcome := s.handleToolCall(ctx, req, call, log)
			if strings.HasPrefix(outcome, "saved") {
				result.MemoriesSaved++
			}
			messages = append(messages, types.ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    outcome,
			})
		}
	}

	result.Content = reply.String()

	if !localActive {
		s.saveConversationAsync(req, result.Content, log)
	}
	return result, nil
}

// retrieveContext fetches relevant memories for the latest user message and
// renders them as a prompt block. Any failure returns an empty block.
func (s *Service) retrieveContext(ctx context.Context, req Request, log *observability.Logger) string {
	query := lastUserMessage(req.Messages)
	if query == "" {
		return ""
	}

	limit := s.cfgMgr.Get().Memory.RetrievalLimit
	if limit <= 0 {
		limit = defaultRetrievalLimit
	}

	search, err := s.router.RelevantMemories(ctx, req.UserID, query, limit)
	if err != nil {
		log.RedactedWarn("memory retrieval failed, continuing without context", "error", err)
		return ""
	}
	return search.ContextBlock()
}

// streamRound runs one upstream completion, forwarding content and
// accumulating any tool calls.
func (s *Service) streamRound(ctx context.Context, chatReq *types.ChatRequest, reply *strings.Builder, emit func(string) error) ([]types.ToolCall, error) {
	stream, err := s.client.StreamCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	acc := llm.NewToolCallAccumulator()
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				reply.WriteString(choice.Delta.Content)
				if err := emit(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
			acc.Add(choice.Delta.ToolCalls)
		}
	}
	return acc.Calls(), nil
}

type rememberArgs struct {
	Content    string `json:"content"`
	Summary    string `json:"summary"`
	Importance int    `json:"importance"`
	MemoryType string `json:"memory_type"`
}

// handleToolCall executes one model-issued tool call and returns the tool
// message content fed back to the model.
func (s *Service) handleToolCall(ctx context.Context, req Request, call types.ToolCall, log *observability.Logger) string {
	if call.Function.Name != rememberTool.Function.Name {
		return fmt.Sprintf("error: unknown function %q", call.Function.Name)
	}

	var args rememberArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		log.RedactedWarn("malformed remember tool arguments", "error", err)
		return "error: malformed arguments"
	}
	if args.Content == "" {
		return "error: content is required"
	}

	saved, err := s.router.SaveMemory(ctx, req.UserID, args.Content, memory.Metadata{
		Summary:        args.Summary,
		Importance:     args.Importance,
		Type:           args.MemoryType,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
	})
	if err != nil {
		log.RedactedError("memory save from tool call failed", "error", err)
		return "error: could not save memory"
	}

	log.RedactedInfo("memory saved from tool call", "memory_id", saved.MemoryID)
	return "saved: " + saved.MemoryID
}

// saveConversationAsync hands the finished exchange to the hosted provider
// in the background. The reply has already been delivered; failures here
// are logged and never surfaced.
func (s *Service) saveConversationAsync(req Request, assistantReply string, log *observability.Logger) {
	userTurn := lastUserMessage(req.Messages)
	if userTurn == "" || assistantReply == "" {
		return
	}

	turns := []memory.Turn{
		{Role: "user", Content: userTurn},
		{Role: "assistant", Content: assistantReply},
	}
	meta := memory.Metadata{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hostedSaveTimeout)
		defer cancel()
		if _, err := s.router.SaveConversation(ctx, req.UserID, turns, meta); err != nil {
			log.RedactedWarn("background conversation save failed", "error", err)
		}
	}()
}

func lastUserMessage(messages []types.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
