// Package generation wraps the external generation service used for
// transcription, categorization and task extraction. The service is an
// opaque collaborator: callers only care about results and about the
// quota-shaped error class that makes a call retryable.
package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stenoworks/steno/internal/config"
	"github.com/stenoworks/steno/internal/fault"
)

// Client is the generation-service surface the pipeline depends on. Tests
// substitute a fake.
type Client interface {
	// Transcribe converts an audio file into text.
	Transcribe(ctx context.Context, path string) (string, error)
	// Categorize assigns a single category label to a message text.
	Categorize(ctx context.Context, text string) (string, error)
	// ExtractTasks distills action items from a session's categorized texts.
	ExtractTasks(ctx context.Context, texts []string) ([]string, error)
}

// IsQuota reports whether err is a quota/rate-limit shaped upstream error,
// the retryable class of the taxonomy.
func IsQuota(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 {
			return true
		}
		if apierr.Code == "insufficient_quota" || apierr.Type == "insufficient_quota" {
			return true
		}
	}
	return fault.Is(err, fault.RetryableUpstream)
}

// OpenAIClient implements Client against the OpenAI API.
type OpenAIClient struct {
	client      openai.Client
	chatModel   string
	audioModel  string
	callTimeout time.Duration
}

// NewOpenAIClient builds a production client from config. A missing API key
// is a terminal configuration error, not a retryable one.
func NewOpenAIClient(cfg config.GenerationConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.TerminalConfig, "missing generation api key")
	}
	return &OpenAIClient{
		client:      openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		chatModel:   cfg.ChatModel,
		audioModel:  cfg.AudioModel,
		callTimeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
	}, nil
}

// Transcribe runs the audio model over the file at path.
func (c *OpenAIClient) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("generation: open audio %s: %w", path, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.audioModel),
		File:  f,
	})
	if err != nil {
		return "", fmt.Errorf("generation: transcribe: %w", err)
	}
	return resp.Text, nil
}

// Categorize asks the chat model for a single category label.
func (c *OpenAIClient) Categorize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Classify the note into exactly one short lowercase category word (e.g. idea, task, question, reference, journal). Reply with the word only."),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generation: categorize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation: categorize: empty response")
	}
	return strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)), nil
}

// ExtractTasks asks the chat model for action items, one per line.
func (c *OpenAIClient) ExtractTasks(ctx context.Context, texts []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Extract concrete action items from the notes. One item per line, no numbering. Reply with an empty string when there are none."),
			openai.UserMessage(strings.Join(texts, "\n---\n")),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generation: extract tasks: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	var tasks []string
	for _, line := range strings.Split(resp.Choices[0].Message.Content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			tasks = append(tasks, line)
		}
	}
	return tasks, nil
}
