package ai

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"sekretar/pkg/domain"
)

type fakeProvider struct {
	classifyResp  string
	classifyErr   error
	classifyCalls int
	renderResp    string
	renderErr     error
}

func (f *fakeProvider) ClassifyNote(ctx context.Context, noteText string, topics []domain.Topic) (string, error) {
	f.classifyCalls++
	return f.classifyResp, f.classifyErr
}

func (f *fakeProvider) RenderNote(ctx context.Context, noteText string, topic domain.Topic, brevity int) (string, error) {
	return f.renderResp, f.renderErr
}

func (f *fakeProvider) TranscribeVoice(ctx context.Context, audio []byte) (string, error) {
	return "", nil
}

func testTopics() []domain.Topic {
	return []domain.Topic{
		{ID: 1, TelegramTopicID: 10, Title: "Books", Description: "reading list"},
		{ID: 2, TelegramTopicID: 20, Title: "Ideas", Description: "project ideas"},
	}
}

func TestClassifyEmptyCandidatesSkipsRemoteCall(t *testing.T) {
	fake := &fakeProvider{}
	gw := NewGateway(fake)

	res, err := gw.Classify(context.Background(), "read something", nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !res.NoMatch {
		t.Fatalf("expected no-match result")
	}
	if got := res.Best(); got.TopicID != domain.NoTopicID || got.Confidence != 1.0 {
		t.Fatalf("unexpected sentinel candidate: %+v", got)
	}
	if fake.classifyCalls != 0 {
		t.Fatalf("expected no remote call, got %d", fake.classifyCalls)
	}
}

func TestClassifyValidatesAndSortsCandidates(t *testing.T) {
	fake := &fakeProvider{
		classifyResp: `{"candidates": [
			{"id": 20, "confidence": 0.4},
			{"id": 99, "confidence": 0.9},
			{"id": 10, "confidence": 0.8}
		]}`,
	}
	gw := NewGateway(fake)

	res, err := gw.Classify(context.Background(), "note", testTopics())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	want := []domain.Candidate{
		{TopicID: 10, Confidence: 0.8},
		{TopicID: 20, Confidence: 0.4},
	}
	if !reflect.DeepEqual(res.Candidates, want) {
		t.Fatalf("unexpected candidates: %+v", res.Candidates)
	}
	if res.NoMatch {
		t.Fatalf("expected a match")
	}
}

func TestClassifyAllUnknownIDsDegeneratesToSentinel(t *testing.T) {
	fake := &fakeProvider{classifyResp: `{"candidates": [{"id": 77, "confidence": 0.9}]}`}
	gw := NewGateway(fake)

	res, err := gw.Classify(context.Background(), "note", testTopics())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !res.NoMatch {
		t.Fatalf("expected no-match")
	}
	if got := res.Best(); got.TopicID != domain.NoTopicID || got.Confidence != 1.0 {
		t.Fatalf("unexpected sentinel: %+v", got)
	}
}

func TestClassifySentinelVerdictIsNoMatch(t *testing.T) {
	fake := &fakeProvider{classifyResp: `{"id": 0, "confidence": 0.7}`}
	gw := NewGateway(fake)

	res, err := gw.Classify(context.Background(), "note", testTopics())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !res.NoMatch {
		t.Fatalf("expected no-match for sentinel verdict")
	}
}

func TestClassifyExplicitEmptyVerdictIsNoMatch(t *testing.T) {
	cases := []struct {
		name string
		resp string
	}{
		{"empty candidates array", `{"candidates": []}`},
		{"empty object", `{}`},
		{"null candidates", `{"candidates": null}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeProvider{classifyResp: tc.resp}
			gw := NewGateway(fake)

			res, err := gw.Classify(context.Background(), "note", testTopics())
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if !res.NoMatch {
				t.Fatalf("expected no-match for empty verdict")
			}
			if got := res.Best(); got.TopicID != domain.NoTopicID || got.Confidence != 1.0 {
				t.Fatalf("unexpected sentinel: %+v", got)
			}
		})
	}
}

func TestClassifyTransientFailureIsDistinctFromNoMatch(t *testing.T) {
	fake := &fakeProvider{classifyErr: fmt.Errorf("connection refused")}
	gw := NewGateway(fake)

	_, err := gw.Classify(context.Background(), "note", testTopics())
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if fake.classifyCalls != classifyAttempts {
		t.Fatalf("expected %d attempts, got %d", classifyAttempts, fake.classifyCalls)
	}
}

func TestClassifyUnparseableResponseIsTransientFailure(t *testing.T) {
	fake := &fakeProvider{classifyResp: "I think this belongs in Books."}
	gw := NewGateway(fake)

	if _, err := gw.Classify(context.Background(), "note", testTopics()); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestClassifyAcceptsFencedJSON(t *testing.T) {
	fake := &fakeProvider{classifyResp: "```json\n{\"candidates\": [{\"id\": 10, \"confidence\": 0.9}]}\n```"}
	gw := NewGateway(fake)

	res, err := gw.Classify(context.Background(), "note", testTopics())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got := res.Best().TopicID; got != 10 {
		t.Fatalf("expected topic 10, got %d", got)
	}
}

func TestRenderNormalizesTags(t *testing.T) {
	fake := &fakeProvider{renderResp: `{"title": "📚 Habits", "content": "Read Atomic Habits.", "tags": ["idea", "#books"]}`}
	gw := NewGateway(fake)

	note, err := gw.Render(context.Background(), "raw", testTopics()[0], 3)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{"#idea", "#books"}
	if !reflect.DeepEqual(note.Tags, want) {
		t.Fatalf("unexpected tags: %v", note.Tags)
	}
}

func TestRenderMissingFieldsFallBack(t *testing.T) {
	cases := []struct {
		name string
		resp string
	}{
		{"missing everything", `{}`},
		{"not json at all", `Here is your note!`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeProvider{renderResp: tc.resp}
			gw := NewGateway(fake)

			note, err := gw.Render(context.Background(), "original text", testTopics()[0], 3)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if note.Title != fallbackTitle {
				t.Fatalf("expected fallback title, got %q", note.Title)
			}
			if note.Content != "original text" {
				t.Fatalf("expected original text, got %q", note.Content)
			}
			if note.Tags == nil || len(note.Tags) != 0 {
				t.Fatalf("expected empty non-nil tags, got %#v", note.Tags)
			}
		})
	}
}

func TestRenderTransportFailurePropagates(t *testing.T) {
	fake := &fakeProvider{renderErr: fmt.Errorf("timeout")}
	gw := NewGateway(fake)

	if _, err := gw.Render(context.Background(), "raw", testTopics()[0], 3); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}
