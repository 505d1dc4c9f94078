package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/courier/pkg/models"
)

const classifierSystemPrompt = `You route user messages to the right agent.
Given the agent list and a message, answer with exactly one line:
AGENT:<name> if the message is clearly for one agent,
AMBIGUOUS if more than one agent could apply,
NOT_REQUEST if the message is not an agent request (greeting, small talk).
Answer with nothing else.`

// classifierPrompt renders the user-side prompt for both providers.
func classifierPrompt(message string, bindings []*models.Binding, conversationContext string) string {
	var sb strings.Builder
	sb.WriteString("Agents:\n")
	for _, b := range bindings {
		sb.WriteString("- ")
		sb.WriteString(b.Name)
		if b.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(b.Description)
		}
		sb.WriteString("\n")
	}
	if conversationContext != "" {
		sb.WriteString("\nConversation so far:\n")
		sb.WriteString(conversationContext)
		sb.WriteString("\n")
	}
	sb.WriteString("\nMessage:\n")
	sb.WriteString(message)
	return sb.String()
}

// OpenAIClassifier backs the router fallback with an OpenAI-compatible
// chat completion endpoint.
type OpenAIClassifier struct {
	client *openai.Client
	model  string
}

// NewOpenAIClassifier creates a classifier using the given API key and
// model. baseURL overrides the endpoint for compatible providers; pass
// "" for api.openai.com.
func NewOpenAIClassifier(apiKey, model, baseURL string) *OpenAIClassifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClassifier{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   32,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: classifierPrompt(message, bindings, conversationContext)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai classify: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicClassifier backs the router fallback with the Anthropic
// Messages API.
type AnthropicClassifier struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClassifier creates a classifier using the given API key
// and model.
func NewAnthropicClassifier(apiKey, model string) *AnthropicClassifier {
	return &AnthropicClassifier{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Classify implements Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, message string, bindings []*models.Binding, conversationContext string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 32,
		System: []anthropic.TextBlockParam{
			{Text: classifierSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(classifierPrompt(message, bindings, conversationContext))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic classify: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic classify: empty response")
	}
	return sb.String(), nil
}
