package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/metrics"
)

func approvedEvent() domain.WorkflowEvent {
	return domain.WorkflowEvent{
		ID:        7,
		ProjectID: "p1",
		Type:      domain.EventGateApproved,
		ToStage:   "design",
		ActorID:   "alice",
		TS:        "2024-01-01T00:00:00Z",
		Metadata:  domain.GateDecisionMetadata{Scope: domain.ScopeGate, GateID: "g1", GateKey: "design_review", GateName: "Design review"},
	}
}

type recordingNotifier struct {
	name string
	err  error
	mu   sync.Mutex
	got  []domain.WorkflowEvent
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(ctx context.Context, evt domain.WorkflowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt)
	return r.err
}

func TestDispatcherFansOutAndCounts(t *testing.T) {
	m := metrics.New()
	ok := &recordingNotifier{name: "ok"}
	bad := &recordingNotifier{name: "bad", err: errors.New("boom")}
	d := NewDispatcher(zerolog.Nop(), m, ok, bad)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // delivery must survive the caller's cancellation
	d.Dispatch(ctx, approvedEvent())
	d.Wait()

	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("ok", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("bad", "error")))
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(context.Background(), approvedEvent())
	d.Wait()
}

func TestWebhookPostsEvent(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(config.Webhook{URL: srv.URL, Secret: "s3cret", Events: []string{"gate_approved"}})
	require.NoError(t, hook.Notify(context.Background(), approvedEvent()))
	assert.Equal(t, "gate_approved", gotHeader.Get("X-Stageline-Event"))
	assert.Equal(t, "7", gotHeader.Get("X-Stageline-Delivery"))
	assert.Equal(t, "s3cret", gotHeader.Get("X-Stageline-Secret"))
	assert.Equal(t, "p1", gotBody["project_id"])
	md, _ := gotBody["metadata"].(map[string]any)
	assert.Equal(t, "g1", md["gate_id"])
}

func TestWebhookFilterAndFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewWebhook(config.Webhook{URL: srv.URL, Events: []string{"stage_advance"}})
	require.NoError(t, hook.Notify(context.Background(), approvedEvent()))
	assert.Equal(t, 0, calls)

	evt := approvedEvent()
	evt.Type = domain.EventStageAdvance
	evt.Metadata = domain.StageAdvanceMetadata{}
	err := hook.Notify(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakePublisher struct {
	channel string
	payload any
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload = message
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublishes(t *testing.T) {
	pub := &fakePublisher{}
	r := &Redis{Client: pub, Channel: "stageline.progress"}
	require.NoError(t, r.Notify(context.Background(), approvedEvent()))
	assert.Equal(t, "stageline.progress", pub.channel)

	raw, ok := pub.payload.([]byte)
	require.True(t, ok)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "gate_approved", decoded["event_type"])

	pub.err = errors.New("down")
	assert.Error(t, r.Notify(context.Background(), approvedEvent()))
	assert.NoError(t, r.Close())
}

type fakeSlack struct {
	channel string
	calls   int
}

func (f *fakeSlack) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channel = channelID
	f.calls++
	return channelID, "1700000000.000100", nil
}

func TestSlackPostsSummary(t *testing.T) {
	fake := &fakeSlack{}
	s := NewSlack("xoxb-test", "#releases")
	s.Client = fake
	require.NoError(t, s.Notify(context.Background(), approvedEvent()))
	assert.Equal(t, "#releases", fake.channel)

	reset := approvedEvent()
	reset.Type = domain.EventGateReset
	reset.Metadata = domain.GateResetMetadata{GateID: "g1"}
	require.NoError(t, s.Notify(context.Background(), reset))
	assert.Equal(t, 1, fake.calls)
}

func TestSummary(t *testing.T) {
	from := "design"
	evt := domain.WorkflowEvent{ProjectID: "p1", Type: domain.EventStageAdvance, FromStage: &from, ToStage: "build", ActorID: "bob", Metadata: domain.StageAdvanceMetadata{}}
	assert.Equal(t, "[p1] stage advanced design -> build by bob", Summary(evt))
	assert.Equal(t, `[p1] gate "Design review" approved by alice`, Summary(approvedEvent()))
}

func TestDispatcherTimeout(t *testing.T) {
	slow := notifierFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := NewDispatcher(zerolog.Nop(), nil, slow)
	d.Timeout = 20 * time.Millisecond
	start := time.Now()
	d.Dispatch(context.Background(), approvedEvent())
	d.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
}

type notifierFunc func(ctx context.Context) error

func (notifierFunc) Name() string { return "func" }

func (f notifierFunc) Notify(ctx context.Context, _ domain.WorkflowEvent) error { return f(ctx) }
