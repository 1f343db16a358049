package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSink_PostsHandoff(t *testing.T) {
	var got models.CampaignHandoff
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	h := models.CampaignHandoff{CampaignID: "cmp_1", UserID: "u1", TemplateID: "sushi-bar-weekly", SMTPSource: "platform"}
	require.NoError(t, sink.Deliver(context.Background(), h))

	assert.Equal(t, "cmp_1", got.CampaignID)
	assert.Equal(t, "sushi-bar-weekly", got.TemplateID)
	assert.Equal(t, "cmp_1", key)
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Deliver(context.Background(), models.CampaignHandoff{CampaignID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.False(t, errors.Is(err, store.ErrHandoffRejected), "5xx is retried")
}

func TestWebhookSink_ClientErrorsRejectHandoff(t *testing.T) {
	for code, rejected := range map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnprocessableEntity: true,
		http.StatusTooManyRequests:     false,
		http.StatusRequestTimeout:      false,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		err := NewWebhookSink(srv.URL).Deliver(context.Background(), models.CampaignHandoff{CampaignID: "c"})
		srv.Close()
		require.Error(t, err, code)
		assert.Equal(t, rejected, errors.Is(err, store.ErrHandoffRejected), code)
	}
}

func TestSendFunc_DecodesAndRejectsUnknownKinds(t *testing.T) {
	var delivered models.CampaignHandoff
	send := SendFunc(sinkFunc(func(_ context.Context, h models.CampaignHandoff) error {
		delivered = h
		return nil
	}))

	err := send(context.Background(), store.OutboxMessage{ID: "o1", Kind: store.HandoffKind, PayloadJSON: `{"campaign_id":"cmp_9","smtp_source":"custom"}`})
	require.NoError(t, err)
	assert.Equal(t, "cmp_9", delivered.CampaignID)
	assert.Equal(t, "custom", delivered.SMTPSource)

	err = send(context.Background(), store.OutboxMessage{ID: "o2", Kind: "sms"})
	assert.True(t, errors.Is(err, ErrUnknownKind))
	assert.True(t, errors.Is(err, store.ErrHandoffRejected))

	err = send(context.Background(), store.OutboxMessage{ID: "o3", Kind: store.HandoffKind, PayloadJSON: "{"})
	assert.True(t, errors.Is(err, store.ErrHandoffRejected))
}

func TestOutboxSenderDeliversThroughWebhook(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	sess := &models.WorkflowSession{SessionID: "ws", UserID: "u1", ConversationID: "c", State: models.StateQueued, Intent: models.IntentNewsletter}
	require.NoError(t, st.CommitTurn(context.Background(), store.TurnCommit{
		Session: sess,
		Handoff: &models.CampaignHandoff{CampaignID: "cmp_x", UserID: "u1", SessionID: "ws"},
	}))

	sender := store.NewOutboxSender(st, SendFunc(NewWebhookSink(srv.URL)), 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sender.Run(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	msgs := st.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, store.OutboxStatusSent, msgs[0].Status)
}

type sinkFunc func(context.Context, models.CampaignHandoff) error

func (f sinkFunc) Deliver(ctx context.Context, h models.CampaignHandoff) error { return f(ctx, h) }
