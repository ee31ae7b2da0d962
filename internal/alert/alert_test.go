package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"spot_engine/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelSpy struct {
	mu   sync.Mutex
	sent []Payload
	err  error
}

func (c *channelSpy) Name() string { return "spy" }

func (c *channelSpy) Send(ctx context.Context, alert Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert)
	return c.err
}

func (c *channelSpy) delivered() []Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Payload, len(c.sent))
	copy(out, c.sent)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAlertFansOutToAllChannels(t *testing.T) {
	clock := mock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(&mock.Logger{}, clock)
	a, b := &channelSpy{}, &channelSpy{}
	m.AddChannel(a)
	m.AddChannel(b)

	m.Alert(context.Background(), Critical, "symbol halted", "BTC/USDT parked in ERROR",
		map[string]string{"symbol": "BTC/USDT"})

	waitFor(t, func() bool { return len(a.delivered()) == 1 && len(b.delivered()) == 1 })
	got := a.delivered()[0]
	assert.Equal(t, Critical, got.Level)
	assert.Equal(t, "symbol halted", got.Title)
	assert.Equal(t, "BTC/USDT", got.Fields["symbol"])
	assert.Equal(t, clock.Now(), got.Timestamp)
}

func TestChannelFailureDoesNotBlockOthers(t *testing.T) {
	m := NewManager(&mock.Logger{}, mock.NewClock(time.Now()))
	bad := &channelSpy{err: fmt.Errorf("unreachable")}
	good := &channelSpy{}
	m.AddChannel(bad)
	m.AddChannel(good)

	m.Alert(context.Background(), Error, "order rejected", "", nil)
	waitFor(t, func() bool { return len(good.delivered()) == 1 })
}

func TestWebhookChannelPostsAttachment(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), Payload{
		Level: Warning, Title: "budget low", Message: "free cash under threshold",
		Timestamp: time.Now(), Fields: map[string]string{"free": "12.50"},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	attachments := decoded["attachments"].([]any)
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]any)
	assert.Equal(t, "[WARNING] budget low", first["pretext"])
}

func TestWebhookChannelEmptyURLIsNoOp(t *testing.T) {
	ch := NewWebhookChannel("")
	assert.NoError(t, ch.Send(context.Background(), Payload{Title: "x"}))
}

func TestWebhookChannelSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), Payload{Title: "x", Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
