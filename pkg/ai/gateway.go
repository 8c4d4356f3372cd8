package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sekretar/pkg/domain"
)

// ErrProviderUnavailable marks transient classify failures (transport errors,
// unparseable model output). Callers must not fold it into "no topic fits":
// the two outcomes are reported separately.
var ErrProviderUnavailable = errors.New("ai provider unavailable")

// fallbackTitle is used when the model omits a title during render.
const fallbackTitle = "📝 Note"

// classifyAttempts bounds retries on transient classify failures.
const classifyAttempts = 2

// Classification is the validated outcome of a classify call. Candidates are
// ordered by descending confidence; NoMatch is set when the best candidate is
// the reserved sentinel.
type Classification struct {
	Candidates []domain.Candidate
	NoMatch    bool
}

// Best returns the top-ranked candidate, or the sentinel when empty.
func (c Classification) Best() domain.Candidate {
	if len(c.Candidates) == 0 {
		return domain.Candidate{TopicID: domain.NoTopicID, Confidence: 1.0}
	}
	return c.Candidates[0]
}

// Gateway wraps a Provider with prompt handling, response validation, and the
// error-vs-no-match distinction. Construct one per process and inject it into
// the router; the Gateway owns no global state.
type Gateway struct {
	provider Provider
}

// NewGateway wraps the given provider.
func NewGateway(provider Provider) *Gateway {
	return &Gateway{provider: provider}
}

// Classify ranks the candidate topics for the note. An empty candidate list
// short-circuits to the sentinel without a remote call. Entries naming ids
// outside the candidate set are discarded; when discarding empties the list,
// the result degenerates to a single sentinel entry with confidence 1.0.
func (g *Gateway) Classify(ctx context.Context, noteText string, topics []domain.Topic) (Classification, error) {
	if strings.TrimSpace(noteText) == "" {
		return Classification{}, errors.New("note text required")
	}
	if len(topics) == 0 {
		return sentinelClassification(), nil
	}

	var raw string
	var err error
	for attempt := 0; attempt < classifyAttempts; attempt++ {
		raw, err = g.provider.ClassifyNote(ctx, noteText, topics)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	scored, err := parseCandidates(raw)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	known := make(map[int64]bool, len(topics))
	for _, t := range topics {
		known[t.TelegramTopicID] = true
	}
	valid := scored[:0]
	for _, c := range scored {
		if c.TopicID == domain.NoTopicID || known[c.TopicID] {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return sentinelClassification(), nil
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Confidence > valid[j].Confidence
	})
	return Classification{
		Candidates: valid,
		NoMatch:    valid[0].TopicID == domain.NoTopicID,
	}, nil
}

// Render formats the note for the matched topic. Transport failures propagate;
// malformed model output degrades field by field: generic title, original
// text as content, empty (never nil) tags. Tags always carry a leading '#'.
func (g *Gateway) Render(ctx context.Context, noteText string, topic domain.Topic, brevity int) (domain.RenderedNote, error) {
	raw, err := g.provider.RenderNote(ctx, noteText, topic, brevity)
	if err != nil {
		return domain.RenderedNote{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var parsed struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	_ = json.Unmarshal([]byte(stripCodeFence(raw)), &parsed)

	note := domain.RenderedNote{
		Title:   strings.TrimSpace(parsed.Title),
		Content: strings.TrimSpace(parsed.Content),
		Tags:    NormalizeTags(parsed.Tags),
	}
	if note.Title == "" {
		note.Title = fallbackTitle
	}
	if note.Content == "" {
		note.Content = noteText
	}
	return note, nil
}

// Transcribe converts voice audio to text. No-op backends yield an empty
// transcript without error.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return g.provider.TranscribeVoice(ctx, audio)
}

// NormalizeTags trims tags, drops empties, and ensures the '#' marker prefix.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || tag == "#" {
			continue
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		out = append(out, tag)
	}
	return out
}

func sentinelClassification() Classification {
	return Classification{
		Candidates: []domain.Candidate{{TopicID: domain.NoTopicID, Confidence: 1.0}},
		NoMatch:    true,
	}
}

// parseCandidates accepts both the ranked form {"candidates": [...]} and the
// single-verdict form {"id": N, "confidence": X} some models fall back to.
// Valid JSON without a verdict (an empty candidates array, or an object with
// no id) is an explicit empty result, not a failure: the caller degenerates
// it to the sentinel.
func parseCandidates(raw string) ([]domain.Candidate, error) {
	raw = stripCodeFence(raw)

	var ranked struct {
		Candidates *[]struct {
			ID         int64   `json:"id"`
			Confidence float64 `json:"confidence"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(raw), &ranked); err != nil {
		return nil, fmt.Errorf("unparseable classify response")
	}
	if ranked.Candidates != nil {
		out := make([]domain.Candidate, 0, len(*ranked.Candidates))
		for _, c := range *ranked.Candidates {
			out = append(out, domain.Candidate{TopicID: c.ID, Confidence: c.Confidence})
		}
		return out, nil
	}

	var single struct {
		ID         *int64  `json:"id"`
		Confidence float64 `json:"confidence"`
	}
	_ = json.Unmarshal([]byte(raw), &single)
	if single.ID != nil {
		return []domain.Candidate{{TopicID: *single.ID, Confidence: single.Confidence}}, nil
	}
	return nil, nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// ignored the JSON-only instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
