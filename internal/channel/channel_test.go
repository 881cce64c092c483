package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/wshub"
	"notifyhub/pkg/circuitbreaker"
	"notifyhub/pkg/util"
)

func testNotification(c model.Channel) *model.Notification {
	return &model.Notification{
		ID:       42,
		UserID:   "u1",
		Title:    "Title",
		Message:  "Body",
		Channel:  c,
		Priority: model.PriorityHigh,
		Metadata: map[string]string{},
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ok := HandlerFunc(func(context.Context, *model.Notification) error { return nil })
	r.Register(model.ChannelSMS, ok)
	r.Register(model.ChannelEmail, ok)

	h, err := r.Resolve(model.ChannelEmail)
	require.NoError(t, err)
	assert.NoError(t, h.Send(context.Background(), testNotification(model.ChannelEmail)))

	_, err = r.Resolve(model.ChannelPush)
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelSMS}, r.Channels())
}

func TestProtect_Timeout(t *testing.T) {
	t.Parallel()

	slow := HandlerFunc(func(ctx context.Context, _ *model.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := Protect(slow, circuitbreaker.NewCircuitBreaker("slow", circuitbreaker.DefaultConfig()), 20*time.Millisecond)

	err := h.Send(context.Background(), testNotification(model.ChannelSMS))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProtect_BreakerOpens(t *testing.T) {
	t.Parallel()

	calls := 0
	failing := HandlerFunc(func(context.Context, *model.Notification) error {
		calls++
		return errors.New("provider down")
	})
	cb := circuitbreaker.NewCircuitBreaker("sms", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	h := Protect(failing, cb, 0)

	for i := 0; i < 2; i++ {
		assert.Error(t, h.Send(context.Background(), testNotification(model.ChannelSMS)))
	}
	err := h.Send(context.Background(), testNotification(model.ChannelSMS))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, calls)
}

type fakeSender struct {
	to, subject, body string
	err               error
}

func (f *fakeSender) SendMail(_ context.Context, to, subject, body string) error {
	f.to, f.subject, f.body = to, subject, body
	return f.err
}

type fakeContacts map[string]Contact

func (f fakeContacts) Contact(_ context.Context, userID string) (Contact, error) {
	c, ok := f[userID]
	if !ok {
		return Contact{}, errors.New("unknown user")
	}
	return c, nil
}

func TestEmailHandler(t *testing.T) {
	t.Parallel()

	t.Run("metadata address wins", func(t *testing.T) {
		s := &fakeSender{}
		h := NewEmailHandler(s, fakeContacts{"u1": {Email: "dir@example.com"}})
		n := testNotification(model.ChannelEmail)
		n.Metadata["email"] = "meta@example.com"

		require.NoError(t, h.Send(context.Background(), n))
		assert.Equal(t, "meta@example.com", s.to)
		assert.Equal(t, "Title", s.subject)
		assert.Equal(t, "Body", s.body)
	})

	t.Run("directory fallback", func(t *testing.T) {
		s := &fakeSender{}
		h := NewEmailHandler(s, fakeContacts{"u1": {Email: "dir@example.com"}})

		require.NoError(t, h.Send(context.Background(), testNotification(model.ChannelEmail)))
		assert.Equal(t, "dir@example.com", s.to)
	})

	t.Run("no address", func(t *testing.T) {
		h := NewEmailHandler(&fakeSender{}, fakeContacts{"u1": {}})
		assert.Error(t, h.Send(context.Background(), testNotification(model.ChannelEmail)))
	})
}

func TestSMSHandler(t *testing.T) {
	t.Parallel()

	var got smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.To == "+000" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewSMSHandler(srv.Client(), srv.URL, fakeContacts{"u1": {Phone: "+123"}})
	require.NoError(t, h.Send(context.Background(), testNotification(model.ChannelSMS)))
	assert.Equal(t, "+123", got.To)
	assert.Equal(t, "Title: Body", got.Body)
	assert.Equal(t, "42", got.Reference)

	n := testNotification(model.ChannelSMS)
	n.Metadata["phone"] = "+000"
	err := h.Send(context.Background(), n)
	assert.ErrorIs(t, err, util.ErrProviderRejected)
}

func TestPushHandler(t *testing.T) {
	t.Parallel()

	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewPushHandler(srv.Client(), srv.URL)

	n := testNotification(model.ChannelPush)
	assert.ErrorIs(t, h.Send(context.Background(), n), ErrMissingPushToken)

	n.Metadata[MetadataPushToken] = "device-1"
	n.Metadata["deeplink"] = "/orders/1"
	require.NoError(t, h.Send(context.Background(), n))
	assert.Equal(t, "device-1", got.Token)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, map[string]string{"deeplink": "/orders/1"}, got.Data)
}

type fakePusher struct {
	mu        sync.Mutex
	sessions  int
	err       error
	delivered []any
}

func (f *fakePusher) SendToUser(_ context.Context, _ string, frame any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.sessions > 0 {
		f.delivered = append(f.delivered, frame)
	}
	return f.sessions, nil
}

func TestWebSocketHandler(t *testing.T) {
	t.Parallel()

	n := testNotification(model.ChannelWebSocket)

	assert.ErrorIs(t, NewWebSocketHandler(&fakePusher{}).Send(context.Background(), n), ErrNoSession)

	p := &fakePusher{sessions: 2}
	require.NoError(t, NewWebSocketHandler(p).Send(context.Background(), n))
	require.Len(t, p.delivered, 1)
	frame := p.delivered[0].(wshub.Frame)
	assert.Equal(t, wshub.FrameTypeNotification, frame.Type)
	assert.Equal(t, "HIGH", frame.Priority)
	assert.Equal(t, int64(42), frame.ID)
}

type fakeInbox struct {
	items map[string][]InboxItem
	err   error
}

func (f *fakeInbox) Push(_ context.Context, userID string, item InboxItem) error {
	if f.err != nil {
		return f.err
	}
	if f.items == nil {
		f.items = map[string][]InboxItem{}
	}
	f.items[userID] = append([]InboxItem{item}, f.items[userID]...)
	return nil
}

func (f *fakeInbox) List(_ context.Context, userID string, _ int64) ([]InboxItem, error) {
	return f.items[userID], nil
}

func TestInAppHandler(t *testing.T) {
	t.Parallel()

	t.Run("stored without live session", func(t *testing.T) {
		inbox := &fakeInbox{}
		h := NewInAppHandler(inbox, &fakePusher{err: errors.New("hub down")}, zap.NewNop())

		require.NoError(t, h.Send(context.Background(), testNotification(model.ChannelInApp)))
		assert.Len(t, inbox.items["u1"], 1)
	})

	t.Run("store failure fails the send", func(t *testing.T) {
		h := NewInAppHandler(&fakeInbox{err: errors.New("redis down")}, &fakePusher{sessions: 1}, zap.NewNop())
		assert.Error(t, h.Send(context.Background(), testNotification(model.ChannelInApp)))
	})
}
