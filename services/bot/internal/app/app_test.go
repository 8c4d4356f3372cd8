package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sekretar/pkg/ai"
	"sekretar/pkg/domain"
	"sekretar/pkg/store"
)

type publishedNote struct {
	chatID   int64
	threadID int64
	body     string
}

type fakePublisher struct {
	published  []publishedNote
	replies    []string
	deleted    []int64
	bindOffers []int64
	publishErr error
}

func (p *fakePublisher) PublishNote(_ context.Context, chatID, threadID int64, html string) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, publishedNote{chatID: chatID, threadID: threadID, body: html})
	return nil
}

func (p *fakePublisher) Reply(_ context.Context, _, _ int64, text string) error {
	p.replies = append(p.replies, text)
	return nil
}

func (p *fakePublisher) DeleteMessage(_ context.Context, _, messageID int64) error {
	p.deleted = append(p.deleted, messageID)
	return nil
}

func (p *fakePublisher) OfferBindTopic(_ context.Context, _, threadID int64, _ string) error {
	p.bindOffers = append(p.bindOffers, threadID)
	return nil
}

type fakeGateway struct {
	classifyCalls  int
	classification ai.Classification
	classifyErr    error
	note           domain.RenderedNote
	renderErr      error
}

func (g *fakeGateway) Classify(context.Context, string, []domain.Topic) (ai.Classification, error) {
	g.classifyCalls++
	if g.classifyErr != nil {
		return ai.Classification{}, g.classifyErr
	}
	return g.classification, nil
}

func (g *fakeGateway) Render(context.Context, string, domain.Topic, int) (domain.RenderedNote, error) {
	if g.renderErr != nil {
		return domain.RenderedNote{}, g.renderErr
	}
	return g.note, nil
}

func newTestApp(t *testing.T, gw *fakeGateway) (*App, *store.MemoryStore, *fakePublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	a, err := New(Config{
		Store:     st,
		Publisher: pub,
		Gateways:  func(domain.AISettings) Gateway { return gw },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, pub
}

func bufferMessage(text string) IncomingMessage {
	return IncomingMessage{
		ChatID:    -100500,
		ChatTitle: "Second Brain",
		IsForum:   true,
		MessageID: 77,
		ThreadID:  0,
		Text:      text,
		Sender:    Sender{ID: 42, Username: "ada", FirstName: "Ada", LastName: "Lovelace"},
	}
}

func seedBooksTopic(t *testing.T, st *store.MemoryStore) domain.Topic {
	t.Helper()
	user, _ := st.GetOrCreateUser(42)
	group, _ := st.GetOrCreateGroup(user.ID, -100500, "Second Brain", true)
	topic, _ := st.GetOrCreateTopic(group.ID, 10, "Books")
	desc := "books to read, reading notes, quotes"
	topic, err := st.UpdateTopic(topic.ID, store.TopicUpdate{Description: &desc})
	if err != nil {
		t.Fatalf("configure topic: %v", err)
	}
	return topic
}

func TestRouteNoteIntoMatchedTopic(t *testing.T) {
	gw := &fakeGateway{
		classification: ai.Classification{Candidates: []domain.Candidate{{TopicID: 10, Confidence: 0.9}}},
		note:           domain.RenderedNote{Title: "The Pragmatic Programmer", Content: "Recommended by Dan.", Tags: []string{"#books"}},
	}
	a, st, pub := newTestApp(t, gw)
	seedBooksTopic(t, st)

	outcome, err := a.HandleGroupMessage(context.Background(), bufferMessage("someone recommended the pragmatic programmer"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected done, got %q", outcome)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one published note, got %d", len(pub.published))
	}
	got := pub.published[0]
	if got.threadID != 10 {
		t.Fatalf("published into thread %d, want 10", got.threadID)
	}
	if !strings.Contains(got.body, "The Pragmatic Programmer") || !strings.Contains(got.body, "#books") {
		t.Fatalf("unexpected body: %q", got.body)
	}
	if len(pub.deleted) != 1 || pub.deleted[0] != 77 {
		t.Fatalf("expected original message 77 deleted, got %v", pub.deleted)
	}
}

func TestZeroActiveTopicsRepliesWithoutClassifying(t *testing.T) {
	gw := &fakeGateway{}
	a, _, pub := newTestApp(t, gw)

	outcome, err := a.HandleGroupMessage(context.Background(), bufferMessage("remember to buy milk"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %q", outcome)
	}
	if gw.classifyCalls != 0 {
		t.Fatalf("classify called %d times for empty topic set", gw.classifyCalls)
	}
	if len(pub.published) != 0 {
		t.Fatalf("unexpected publish: %+v", pub.published)
	}
	if len(pub.replies) != 1 || !strings.Contains(pub.replies[0], "No active topics") {
		t.Fatalf("expected no-active-topics notice, got %v", pub.replies)
	}
}

func TestCommandTextIgnoredBeforeAnyCall(t *testing.T) {
	gw := &fakeGateway{}
	a, st, pub := newTestApp(t, gw)
	seedBooksTopic(t, st)

	outcome, err := a.HandleGroupMessage(context.Background(), bufferMessage("/info"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %q", outcome)
	}
	if gw.classifyCalls != 0 {
		t.Fatalf("classify called for command text")
	}
	if len(pub.replies) != 0 || len(pub.published) != 0 {
		t.Fatalf("unexpected side effects: %+v %+v", pub.replies, pub.published)
	}
}

func TestNoMatchRepliesWithTopicListAndKeepsOriginal(t *testing.T) {
	gw := &fakeGateway{
		classification: ai.Classification{Candidates: []domain.Candidate{{TopicID: domain.NoTopicID, Confidence: 1.0}}, NoMatch: true},
	}
	a, st, pub := newTestApp(t, gw)
	seedBooksTopic(t, st)

	outcome, err := a.HandleGroupMessage(context.Background(), bufferMessage("the weather is nice today"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeNoMatch {
		t.Fatalf("expected no_match, got %q", outcome)
	}
	if len(pub.published) != 0 || len(pub.deleted) != 0 {
		t.Fatalf("no match must not publish or delete: %+v %+v", pub.published, pub.deleted)
	}
	if len(pub.replies) != 1 || !strings.Contains(pub.replies[0], "Books") {
		t.Fatalf("reply should list topics, got %v", pub.replies)
	}
	if !strings.Contains(pub.replies[0], "the weather is nice today") {
		t.Fatalf("reply should quote the note, got %v", pub.replies)
	}
}

func TestNoMatchReplyTruncatesLongNotes(t *testing.T) {
	gw := &fakeGateway{
		classification: ai.Classification{Candidates: []domain.Candidate{{TopicID: domain.NoTopicID, Confidence: 1.0}}, NoMatch: true},
	}
	a, st, pub := newTestApp(t, gw)
	seedBooksTopic(t, st)

	long := strings.Repeat("word ", 60)
	if _, err := a.HandleGroupMessage(context.Background(), bufferMessage(long)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(pub.replies) != 1 {
		t.Fatalf("expected one reply, got %v", pub.replies)
	}
	if strings.Contains(pub.replies[0], long) {
		t.Fatalf("reply should not quote the full note")
	}
	if !strings.Contains(pub.replies[0], "word word") || !strings.Contains(pub.replies[0], "…") {
		t.Fatalf("reply should quote a truncated excerpt, got %q", pub.replies[0])
	}
}

func TestClassifyFailureIsNotMaskedAsNoMatch(t *testing.T) {
	gw := &fakeGateway{classifyErr: ai.ErrProviderUnavailable}
	a, st, pub := newTestApp(t, gw)
	seedBooksTopic(t, st)

	outcome, err := a.HandleGroupMessage(context.Background(), bufferMessage("buy a gift for mom"))
	if !errors.Is(err, ai.ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %q", outcome)
	}
	if len(pub.replies) != 1 || !strings.Contains(pub.replies[0], "couldn't reach") {
		t.Fatalf("expected user-visible failure notice, got %v", pub.replies)
	}
}

func TestDeliveryFailureKeepsOriginal(t *testing.T) {
	gw := &fakeGateway{
		classification: ai.Classification{Candidates: []domain.Candidate{{TopicID: 10, Confidence: 0.9}}},
		note:           domain.RenderedNote{Title: "Note", Content: "text", Tags: []string{}},
	}
	a, st, pub := newTestApp(t, gw)
	seedBooksTopic(t, st)
	pub.publishErr = errors.New("thread closed")

	outcome, err := a.HandleGroupMessage(context.Background(), bufferMessage("a note about reading"))
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %q", outcome)
	}
	if len(pub.deleted) != 0 {
		t.Fatalf("original must stay on delivery failure, deleted %v", pub.deleted)
	}
}

func TestTopicThreadMessageOffersBindOnce(t *testing.T) {
	gw := &fakeGateway{}
	a, st, pub := newTestApp(t, gw)

	msg := bufferMessage("first message in a fresh thread")
	msg.ThreadID = 33
	msg.TopicCreated = "Ideas"

	outcome, err := a.HandleGroupMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %q", outcome)
	}
	if gw.classifyCalls != 0 {
		t.Fatalf("topic-thread message must not classify")
	}
	if len(pub.bindOffers) != 1 || pub.bindOffers[0] != 33 {
		t.Fatalf("expected bind offer in thread 33, got %v", pub.bindOffers)
	}

	group, ok, _ := st.GetGroupByChatID(-100500)
	if !ok {
		t.Fatal("group row missing")
	}
	topic, ok, _ := st.GetTopic(group.ID, 33)
	if !ok || topic.Title != "Ideas" {
		t.Fatalf("topic row missing or wrong: %+v ok=%v", topic, ok)
	}
}
