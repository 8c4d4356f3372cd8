package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sekretar/pkg/domain"
)

// Provider is the capability set every LLM backend implements: classify a note
// against candidate topics, render a note for a target topic, transcribe voice.
// Implementations return the model's raw JSON text; parsing and validation
// happen in the Gateway.
type Provider interface {
	ClassifyNote(ctx context.Context, noteText string, topics []domain.Topic) (string, error)
	RenderNote(ctx context.Context, noteText string, topic domain.Topic, brevity int) (string, error)
	TranscribeVoice(ctx context.Context, audio []byte) (string, error)
}

// Config carries provider credentials and endpoints.
type Config struct {
	GeminiAPIKey  string
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

// NewProvider constructs the backend named in a user's AI settings.
func NewProvider(name, model string, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case domain.ProviderGemini, "":
		return NewGeminiProvider(cfg.GeminiAPIKey, model)
	case domain.ProviderOpenAI:
		return NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model)
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
}

const classifySystemPrompt = "You are a smart assistant that sorts notes into topics."

func classifyUserPrompt(noteText string, topics []domain.Topic) string {
	type topicEntry struct {
		ID          int64  `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}
	entries := make([]topicEntry, 0, len(topics))
	for _, t := range topics {
		entries = append(entries, topicEntry{ID: t.TelegramTopicID, Title: t.Title, Description: t.Description})
	}
	topicsJSON, _ := json.Marshal(entries)

	var b strings.Builder
	b.WriteString("Allowed topics: ")
	b.Write(topicsJSON)
	b.WriteString("\n\n")
	b.WriteString("Task: Analyze the user's note and rank the most appropriate topics.\n")
	b.WriteString("If none of the topics fit perfectly but one is close, include it with low confidence.\n")
	b.WriteString("If the note is completely unrelated to every topic, return a single entry with id 0.\n\n")
	b.WriteString("Return JSON only: {\"candidates\": [{\"id\": <topic_id>, \"confidence\": <0.0-1.0>}, ...]}\n\n")
	b.WriteString("Note:\n")
	b.WriteString(noteText)
	return b.String()
}

const renderSystemPrompt = "You are a professional editor. Format the user's raw text into a clean note."

func renderUserPrompt(noteText string, topic domain.Topic, brevity int) string {
	rules := topic.FormatPolicy
	if rules == "" {
		rules = "Create a concise title, summarize the content, and extract tags."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Context (Topic): %s\n", topic.Title)
	if topic.Description != "" {
		fmt.Fprintf(&b, "Topic description: %s\n", topic.Description)
	}
	fmt.Fprintf(&b, "Formatting rules: %s\n", rules)
	fmt.Fprintf(&b, "Brevity level: %d of 5 (1 = keep almost everything, 5 = radically short)\n\n", clampBrevity(brevity))
	b.WriteString("Task:\n")
	b.WriteString("1. Create a short, descriptive title with a leading emoji.\n")
	b.WriteString("2. Clean up and format the content (fix grammar, use lists where appropriate).\n")
	b.WriteString("3. Extract key tags (hashtags).\n\n")
	b.WriteString("Return JSON only: {\"title\": \"...\", \"content\": \"...\", \"tags\": [\"#tag1\", ...]}\n\n")
	b.WriteString("Note:\n")
	b.WriteString(noteText)
	return b.String()
}

func clampBrevity(level int) int {
	if level < 1 {
		return domain.DefaultBrevityLevel
	}
	if level > 5 {
		return 5
	}
	return level
}
