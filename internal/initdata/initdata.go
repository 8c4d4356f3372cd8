package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultMaxAge = 24 * time.Hour

var (
	ErrHashMismatch = errors.New("init data hash mismatch")
	ErrExpired      = errors.New("init data expired")
)

// WebAppUser is the user object Telegram embeds in init data.
type WebAppUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// InitData is the validated payload of a Telegram WebApp launch.
type InitData struct {
	User     WebAppUser
	AuthDate time.Time
	QueryID  string
}

// Verifier validates Telegram WebApp init data against the bot token.
type Verifier struct {
	secret []byte
	maxAge time.Duration
}

// NewVerifier derives the validation secret from the bot token.
// maxAge bounds how old auth_date may be; zero means 24h.
func NewVerifier(botToken string, maxAge time.Duration) (*Verifier, error) {
	botToken = strings.TrimSpace(botToken)
	if botToken == "" {
		return nil, errors.New("init data verifier requires bot token")
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return &Verifier{secret: mac.Sum(nil), maxAge: maxAge}, nil
}

// Verify checks the hash and freshness of raw init data (the
// window.Telegram.WebApp.initData query string) and returns its payload.
func (v *Verifier) Verify(raw string, now time.Time) (InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return InitData{}, fmt.Errorf("parse init data: %w", err)
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return InitData{}, errors.New("init data hash missing")
	}
	values.Del("hash")

	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	wantHash := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(wantHash), []byte(gotHash)) {
		return InitData{}, ErrHashMismatch
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return InitData{}, errors.New("init data auth_date missing")
	}
	authDate := time.Unix(authUnix, 0).UTC()
	if now.Sub(authDate) > v.maxAge {
		return InitData{}, ErrExpired
	}

	data := InitData{AuthDate: authDate, QueryID: values.Get("query_id")}
	if rawUser := values.Get("user"); rawUser != "" {
		if err := json.Unmarshal([]byte(rawUser), &data.User); err != nil {
			return InitData{}, fmt.Errorf("parse init data user: %w", err)
		}
	}
	if data.User.ID == 0 {
		return InitData{}, errors.New("init data user missing")
	}
	return data, nil
}

// Sign produces the hash for the given init data values. Exported for tests
// and local tooling that fabricate launch payloads.
func (v *Verifier) Sign(values url.Values) string {
	values.Del("hash")
	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
