package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"sekretar/internal/initdata"
	"sekretar/pkg/domain"
	"sekretar/pkg/store"
)

const testBotToken = "7000000001:AAFakeTokenForServerTests"

type fakeSyncer struct {
	title   string
	isForum bool
	err     error
}

func (f *fakeSyncer) ChatInfo(int64) (string, bool, error) {
	return f.title, f.isForum, f.err
}

type testEnv struct {
	store    *store.MemoryStore
	verifier *initdata.Verifier
	tokens   *initdata.TokenIssuer
	server   *httptest.Server
}

func newTestEnv(t *testing.T, syncer GroupSyncer) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	verifier, err := initdata.NewVerifier(testBotToken, time.Hour)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	tokens, err := initdata.NewTokenIssuer(initdata.TokenConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	srv, err := New(Config{Store: st, InitData: verifier, Tokens: tokens, Syncer: syncer})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{store: st, verifier: verifier, tokens: tokens, server: ts}
}

func (e *testEnv) initDataFor(telegramUserID int64) string {
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("user", `{"id":`+strconv.FormatInt(telegramUserID, 10)+`,"first_name":"Ada"}`)
	values.Set("hash", e.verifier.Sign(values))
	return values.Encode()
}

func (e *testEnv) request(t *testing.T, method, path, auth, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf
}

func (e *testEnv) seedGroupWithTopic(t *testing.T, telegramUserID int64) (domain.Group, domain.Topic) {
	t.Helper()
	user, _ := e.store.GetOrCreateUser(telegramUserID)
	group, _ := e.store.GetOrCreateGroup(user.ID, -100900, "Second Brain", true)
	topic, _ := e.store.GetOrCreateTopic(group.ID, 10, "Books")
	return group, topic
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.request(t, http.MethodPost, "/api/v1/auth/token", "",
		`{"initData":`+strconv.Quote(env.initDataFor(42))+`}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token endpoint returned %d: %s", resp.StatusCode, body)
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.Token == "" {
		t.Fatalf("bad token response: %s (%v)", body, err)
	}

	resp, body = env.request(t, http.MethodGet, "/api/v1/settings/ai", "Bearer "+tok.Token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings returned %d: %s", resp.StatusCode, body)
	}
	var settings domain.AISettings
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	if settings.Provider != domain.DefaultProvider || settings.BrevityLevel != domain.DefaultBrevityLevel {
		t.Fatalf("unexpected defaults: %+v", settings)
	}
}

func TestAuthTokenRejectsForgedInitData(t *testing.T) {
	env := newTestEnv(t, nil)
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("user", `{"id":42,"first_name":"Eve"}`)
	values.Set("hash", strings.Repeat("ab", 32))

	resp, _ := env.request(t, http.MethodPost, "/api/v1/auth/token", "",
		`{"initData":`+strconv.Quote(values.Encode())+`}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestBearerTokenForUnknownUserRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	// A syntactically valid session token whose subject has no user row:
	// the row is created at issue time, so a missing one means the token
	// must not be honored.
	token, err := env.tokens.Issue(777, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp, _ := env.request(t, http.MethodGet, "/api/v1/settings/ai", "Bearer "+token, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown subject, got %d", resp.StatusCode)
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/v1/group", "/api/v1/topics", "/api/v1/settings/ai"} {
		resp, _ := env.request(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without auth returned %d", path, resp.StatusCode)
		}
	}
}

func TestTopicsScopedToOwnGroup(t *testing.T) {
	env := newTestEnv(t, nil)
	_, ownTopic := env.seedGroupWithTopic(t, 42)

	// Another user's group and topic must be invisible to user 42.
	otherUser, _ := env.store.GetOrCreateUser(99)
	otherGroup, _ := env.store.GetOrCreateGroup(otherUser.ID, -100901, "Other", true)
	otherTopic, _ := env.store.GetOrCreateTopic(otherGroup.ID, 20, "Private")

	auth := "tma " + env.initDataFor(42)

	resp, body := env.request(t, http.MethodGet, "/api/v1/topics", auth, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("topics returned %d: %s", resp.StatusCode, body)
	}
	var topics []domain.Topic
	if err := json.Unmarshal(body, &topics); err != nil {
		t.Fatalf("parse topics: %v", err)
	}
	if len(topics) != 1 || topics[0].ID != ownTopic.ID {
		t.Fatalf("expected only own topic, got %+v", topics)
	}

	resp, _ = env.request(t, http.MethodGet, "/api/v1/topics/"+strconv.FormatInt(otherTopic.ID, 10), auth, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign topic returned %d, want 404", resp.StatusCode)
	}
}

func TestPatchTopicDescription(t *testing.T) {
	env := newTestEnv(t, nil)
	_, topic := env.seedGroupWithTopic(t, 42)
	auth := "tma " + env.initDataFor(42)

	resp, body := env.request(t, http.MethodPatch,
		"/api/v1/topics/"+strconv.FormatInt(topic.ID, 10), auth,
		`{"description":"books to read and reading notes"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch returned %d: %s", resp.StatusCode, body)
	}
	var updated domain.Topic
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("parse topic: %v", err)
	}
	if updated.Description != "books to read and reading notes" || !updated.Configured() {
		t.Fatalf("description not applied: %+v", updated)
	}
}

func TestPatchAISettingsValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := "tma " + env.initDataFor(42)

	resp, _ := env.request(t, http.MethodPatch, "/api/v1/settings/ai", auth, `{"provider":"claude"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad provider returned %d, want 400", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPatch, "/api/v1/settings/ai", auth, `{"brevityLevel":9}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad brevity returned %d, want 400", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPatch, "/api/v1/settings/ai", auth,
		`{"provider":"openai","model":"gpt-4o-mini","brevityLevel":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch returned %d: %s", resp.StatusCode, body)
	}
	var settings domain.AISettings
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	if settings.Provider != domain.ProviderOpenAI || settings.Model != "gpt-4o-mini" || settings.BrevityLevel != 5 {
		t.Fatalf("settings not applied: %+v", settings)
	}
}

func TestTopicsSyncRefreshesGroup(t *testing.T) {
	env := newTestEnv(t, &fakeSyncer{title: "Second Brain v2", isForum: true})
	env.seedGroupWithTopic(t, 42)
	auth := "tma " + env.initDataFor(42)

	resp, body := env.request(t, http.MethodPost, "/api/v1/topics/sync", auth, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync returned %d: %s", resp.StatusCode, body)
	}
	var group domain.Group
	if err := json.Unmarshal(body, &group); err != nil {
		t.Fatalf("parse group: %v", err)
	}
	if group.Title != "Second Brain v2" {
		t.Fatalf("title not refreshed: %+v", group)
	}

	stored, ok, _ := env.store.GetGroupByChatID(-100900)
	if !ok || stored.Title != "Second Brain v2" {
		t.Fatalf("store not updated: %+v", stored)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.request(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz returned %d: %s", resp.StatusCode, body)
	}
}
