package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/delivery"
	logx "lifeguard/pkg/logx"
)

func recipient(level alert.Level) delivery.Recipient {
	return delivery.Recipient{
		Observer: delivery.Contact{ID: "sam", Name: "Sam", Phone: "+15550199", ChatID: 42},
		Subject:  delivery.Contact{ID: "grandma", Name: "Eleanor", Phone: "+15550100", Address: "12 Elm St"},
		Level:    level,
	}
}

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
	paths  []string
}

func (c *capture) handler(status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.paths = append(c.paths, r.URL.Path)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}
}

func TestSMSSend(t *testing.T) {
	t.Parallel()

	var c capture
	srv := httptest.NewServer(c.handler(http.StatusAccepted, `{"id":"m1"}`))
	defer srv.Close()

	sms := NewSMS(SMSConfig{URL: srv.URL + "/send", APIKey: "k3y", From: "LIFEGUARD"}, logx.Nop())
	require.Equal(t, alert.TierSMS, sms.Name())
	require.NoError(t, sms.Send(context.Background(), recipient(alert.Warning), "please check"))

	require.Len(t, c.bodies, 1)
	assert.Equal(t, "+15550199", c.bodies[0]["to"])
	assert.Equal(t, "LIFEGUARD", c.bodies[0]["from"])
	assert.Equal(t, "please check", c.bodies[0]["text"])
	assert.Equal(t, "Bearer k3y", c.auth[0])
}

func TestHTTPErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error retries", http.StatusBadGateway, false},
		{"throttled retries", http.StatusTooManyRequests, false},
		{"rejected is permanent", http.StatusUnprocessableEntity, true},
		{"unauthorized is permanent", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := httptest.NewServer(c.handler(tt.status, `{"error":"nope"}`))
			defer srv.Close()

			err := NewSMS(SMSConfig{URL: srv.URL}, logx.Nop()).Send(context.Background(), recipient(alert.Danger), "x")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, delivery.IsPermanent(err))
			assert.NotErrorIs(t, err, delivery.ErrUnreachable)
		})
	}
}

func TestUnreachableGateway(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewSMS(SMSConfig{URL: url, Timeout: time.Second}, logx.Nop()).Send(context.Background(), recipient(alert.Danger), "x")
	require.ErrorIs(t, err, delivery.ErrUnreachable)
}

func TestSMSNeedsPhone(t *testing.T) {
	t.Parallel()

	to := recipient(alert.Warning)
	to.Observer.Phone = ""
	err := NewSMS(SMSConfig{URL: "http://127.0.0.1:1"}, logx.Nop()).Send(context.Background(), to, "x")
	require.True(t, delivery.IsPermanent(err))
}

func TestDispatchReport(t *testing.T) {
	t.Parallel()

	var c capture
	srv := httptest.NewServer(c.handler(http.StatusOK, `{"status":"received"}`))
	defer srv.Close()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	d := NewDispatch(DispatchConfig{URL: srv.URL, APIKey: "secret"}, clock.NewFake(now), logx.Nop())
	require.Equal(t, alert.TierDispatch, d.Name())
	require.NoError(t, d.Send(context.Background(), recipient(alert.Emergency), "72 hours without activity"))

	require.Len(t, c.bodies, 1)
	body := c.bodies[0]
	assert.Equal(t, "72 hours without activity", body["message"])
	assert.Equal(t, "emergency", body["type"])
	assert.Equal(t, "lifeguard", body["source"])
	assert.Equal(t, "2026-03-10T09:00:00Z", body["timestamp"])
	assert.NotEmpty(t, body["reportId"])
	subject, ok := body["subject"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "12 Elm St", subject["address"])
	assert.Equal(t, "Bearer secret", c.auth[0])
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()

	var c capture
	srv := httptest.NewServer(c.handler(http.StatusOK,
		`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, alert.TierPush, tg.Name())
	require.NoError(t, tg.Send(context.Background(), recipient(alert.Warning), "hello"))

	require.Len(t, c.paths, 1)
	assert.True(t, strings.HasSuffix(c.paths[0], "/sendMessage"))
	assert.Equal(t, "42", c.bodies[0]["chat_id"])
	assert.Equal(t, "hello", c.bodies[0]["text"])
}

func TestTelegramChatNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	var c capture
	srv := httptest.NewServer(c.handler(http.StatusBadRequest,
		`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	err = tg.Send(context.Background(), recipient(alert.Warning), "hello")
	require.Error(t, err)
	assert.True(t, delivery.IsPermanent(err))

	to := recipient(alert.Warning)
	to.Observer.ChatID = 0
	assert.True(t, delivery.IsPermanent(tg.Send(context.Background(), to, "hello")))
}

func TestTelegramOfflineIsUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", APIURL: url, Timeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	err = tg.Send(context.Background(), recipient(alert.Warning), "hello")
	require.ErrorIs(t, err, delivery.ErrUnreachable)
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	parts := splitText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, parts)
}

func TestLogChannel(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	ch := NewLog("push", logx.NewWriter(&buf, "info"))
	require.Equal(t, "push", ch.Name())
	require.NoError(t, ch.Send(context.Background(), recipient(alert.Danger), "hello"))
	assert.Contains(t, buf.String(), `"text":"hello"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ch.Send(ctx, recipient(alert.Danger), "x"), context.Canceled)
}
