package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/ask-anything/backend/internal/config"
	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
)

const defaultHistoryLimit = 10

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Options tunes how conversations are presented to the model.
type Options struct {
	SystemPrompt string
	HistoryLimit int
	Stream       bool
}

// Service answers conversations with an eino chat chain. It satisfies the
// chat service's Responder contract.
type Service struct {
	chatModel model.ChatModel
	opts      Options
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the Ark-backed responder described by cfg.
func NewService(ctx context.Context, cfg config.AIConfig, assistant config.AssistantConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return NewServiceWithModel(ctx, chatModel, Options{
		SystemPrompt: assistant.SystemPrompt,
		HistoryLimit: assistant.HistoryLimit,
		Stream:       cfg.StreamResponse,
	})
}

// NewServiceWithModel wires an arbitrary chat model into the reply chain.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		opts:      opts,
		chain:     runnable,
	}, nil
}

// StreamingEnabled reports whether replies are aggregated from a stream.
func (s *Service) StreamingEnabled() bool {
	return s.opts.Stream
}

// Reply generates the assistant answer for history, whose last entry is the
// pending user message.
func (s *Service) Reply(ctx context.Context, history []chat.Message) (string, error) {
	input := map[string]any{
		"system":  s.opts.SystemPrompt,
		"history": buildHistoryMessages(history, s.opts.HistoryLimit),
	}

	var (
		response *schema.Message
		err      error
	)
	if s.StreamingEnabled() {
		response, err = s.stream(ctx, input)
	} else {
		response, err = s.chain.Invoke(ctx, input)
		if err != nil {
			err = fmt.Errorf("failed to run AI chain: %w", err)
		}
	}
	if err != nil {
		return "", err
	}

	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyReply
	}

	log.Printf("[ai] generated reply history=%d length=%d", len(history), len(response.Content))
	return response.Content, nil
}

func (s *Service) stream(ctx context.Context, input map[string]any) (*schema.Message, error) {
	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, fmt.Errorf("ai stream recv failed: %w", recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		return nil, ErrEmptyReply
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("concat ai chunks failed: %w", err)
	}
	return merged, nil
}

func buildHistoryMessages(messages []chat.Message, limit int) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if limit > 0 && len(messages) > limit {
		startIdx = len(messages) - limit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Origin {
		case chat.OriginUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.OriginAssistant:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}

	return history
}
