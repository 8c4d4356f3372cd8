package app

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

	"github.com/ledongthuc/pdf"

	"sekretar/pkg/ai"
	"sekretar/pkg/queue"
	"sekretar/pkg/storage"
	"sekretar/pkg/store"
)

const (
	fetchTimeout    = 10 * time.Second
	maxFetchBytes   = 1 << 20 // metadata lives in the head of the document
	maxPayloadBytes = 32 << 20
)

// Transcriber is the slice of the AI gateway the worker needs.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Config wires worker dependencies.
type Config struct {
	Store       store.Store
	Objects     storage.ObjectStore
	Transcriber Transcriber
	HTTPClient  *http.Client
}

// App dispatches queued tasks to their handlers.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	transcriber Transcriber
	httpClient  *http.Client
}

// New constructs the worker core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker requires a store")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &App{
		store:       cfg.Store,
		objects:     cfg.Objects,
		transcriber: cfg.Transcriber,
		httpClient:  client,
	}, nil
}

// Handle is the queue handler: it routes one task by kind and returns the
// textual result recorded on the task status.
func (a *App) Handle(ctx context.Context, task queue.Task) (string, error) {
	switch task.Kind {
	case queue.KindTranscribeVoice:
		return a.transcribeVoice(ctx, task.Payload)
	case queue.KindFetchURLMetadata:
		return a.fetchURLMetadata(ctx, task.Payload)
	case queue.KindProcessFile:
		return a.processFile(ctx, task.Payload)
	default:
		return "", fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (a *App) transcribeVoice(ctx context.Context, payload json.RawMessage) (string, error) {
	var p queue.TranscribeVoicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if a.objects == nil || a.transcriber == nil {
		return "", errors.New("transcription not configured")
	}
	audio, err := a.fetchObject(ctx, p.ObjectKey)
	if err != nil {
		return "", err
	}
	text, err := a.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	// Staged audio is single-use.
	if err := a.objects.Delete(ctx, p.ObjectKey); err != nil {
		slog.Warn("delete staged audio", "key", p.ObjectKey, "err", err)
	}
	return text, nil
}

// fetchURLMetadata pulls the title and description of a linked page.
func (a *App) fetchURLMetadata(ctx context.Context, payload json.RawMessage) (string, error) {
	var p queue.FetchURLMetadataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	url := strings.TrimSpace(p.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("unsupported url %q", url)
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: status %d", resp.StatusCode)
	}

	meta, err := ParseHTMLMetadata(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	return meta.String(), nil
}

func (a *App) processFile(ctx context.Context, payload json.RawMessage) (string, error) {
	var p queue.ProcessFilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if a.objects == nil {
		return "", errors.New("file processing not configured")
	}
	data, err := a.fetchObject(ctx, p.ObjectKey)
	if err != nil {
		return "", err
	}

	var text string
	switch {
	case p.MIME == "application/pdf" || strings.HasSuffix(strings.ToLower(p.Filename), ".pdf"):
		text, err = extractPDFText(data)
		if err != nil {
			return "", err
		}
	case strings.HasPrefix(p.MIME, "text/"):
		text = string(data)
	default:
		// Nothing extractable; record the fact rather than failing.
		text = ""
	}

	if err := a.objects.Delete(ctx, p.ObjectKey); err != nil {
		slog.Warn("delete staged file", "key", p.ObjectKey, "err", err)
	}
	return strings.TrimSpace(text), nil
}

func (a *App) fetchObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch object %q: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// SweepConfirmations deletes expired pending confirmations on a ticker until
// ctx is canceled.
func (a *App) SweepConfirmations(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := a.store.DeleteExpiredConfirmations(time.Now().UTC())
			if err != nil {
				slog.Error("confirmation sweep failed", "err", err)
				continue
			}
			if deleted > 0 {
				slog.Info("expired confirmations removed", "count", deleted)
			}
		}
	}
}

// ai.Gateway satisfies Transcriber.
var _ Transcriber = (*ai.Gateway)(nil)
