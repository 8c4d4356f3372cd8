package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sekretar/pkg/domain"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with the official API, vLLM, LiteLLM, OpenRouter, self-hosted models.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider builds an OpenAI-compatible provider. baseURL should
// include the /v1 prefix; apiKey can be empty for local models.
func NewOpenAIProvider(baseURL, apiKey, model string) (*OpenAIProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("openai generation model required")
	}
	return &OpenAIProvider{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// ClassifyNote asks the model to rank topics for the note.
func (p *OpenAIProvider) ClassifyNote(ctx context.Context, noteText string, topics []domain.Topic) (string, error) {
	return p.generateText(ctx, classifySystemPrompt, classifyUserPrompt(noteText, topics))
}

// RenderNote asks the model to format the note for the target topic.
func (p *OpenAIProvider) RenderNote(ctx context.Context, noteText string, topic domain.Topic, brevity int) (string, error) {
	return p.generateText(ctx, renderSystemPrompt, renderUserPrompt(noteText, topic, brevity))
}

// TranscribeVoice is not wired to the audio API yet and returns an empty
// transcript without error.
func (p *OpenAIProvider) TranscribeVoice(ctx context.Context, audio []byte) (string, error) {
	return "", nil
}

func (p *OpenAIProvider) generateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: userPrompt})

	reqBody := oaiChatRequest{
		Model:          p.model,
		Messages:       messages,
		ResponseFormat: &oaiResponseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := p.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("openai api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("openai api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai api")
	}
	return text, nil
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponseFormat struct {
	Type string `json:"type"`
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
