package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConduitID = "conduit-1"
	testBotUserID = "bot-1"
)

// fakeSubscriptionRepo keeps chat subscription records keyed by broadcaster.
type fakeSubscriptionRepo struct {
	mu   sync.Mutex
	subs map[string]domain.ChatSubscription
}

func newFakeSubscriptionRepo(subs ...domain.ChatSubscription) *fakeSubscriptionRepo {
	r := &fakeSubscriptionRepo{subs: make(map[string]domain.ChatSubscription)}
	for _, s := range subs {
		r.subs[s.BroadcasterID] = s
	}
	return r
}

func (r *fakeSubscriptionRepo) Create(_ context.Context, broadcasterID, subscriptionID, conduitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[broadcasterID] = domain.ChatSubscription{BroadcasterID: broadcasterID, SubscriptionID: subscriptionID, ConduitID: conduitID}
	return nil
}

func (r *fakeSubscriptionRepo) GetByBroadcasterID(_ context.Context, broadcasterID string) (*domain.ChatSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[broadcasterID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &s, nil
}

func (r *fakeSubscriptionRepo) Delete(_ context.Context, broadcasterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, broadcasterID)
	return nil
}

func (r *fakeSubscriptionRepo) DeleteByConduitID(_ context.Context, conduitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		if s.ConduitID == conduitID {
			delete(r.subs, id)
		}
	}
	return nil
}

func (r *fakeSubscriptionRepo) List(context.Context) ([]domain.ChatSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChatSubscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeSubscriptionRepo) get(broadcasterID string) (domain.ChatSubscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[broadcasterID]
	return s, ok
}

// helixAPI serves the EventSub subscription endpoints of the Helix API.
type helixAPI struct {
	mu           sync.Mutex
	created      []string // broadcaster IDs, one per create call
	deleted      []string // subscription IDs
	createStatus []int    // consumed per create call before succeeding
	deleteStatus int
	existing     []helix.EventSubSubscription
	pageSize     int
}

func (a *helixAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.URL.Path != "/eventsub/subscriptions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var params helix.CreateEventSubSubscriptionParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		broadcasterID := params.Condition["broadcaster_user_id"]
		a.created = append(a.created, broadcasterID)
		if len(a.createStatus) > 0 {
			status := a.createStatus[0]
			a.createStatus = a.createStatus[1:]
			writeHelixError(w, status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(helix.EventSubResponse{Data: []helix.EventSubSubscription{{
			ID:        "sub-" + broadcasterID,
			Type:      params.Type,
			Condition: params.Condition,
		}}})

	case http.MethodGet:
		start, _ := strconv.Atoi(r.URL.Query().Get("after"))
		end := min(start+a.pageSize, len(a.existing))
		resp := helix.EventSubResponse{Data: a.existing[start:end]}
		if end < len(a.existing) {
			resp.Pagination = &helix.Pagination{Cursor: strconv.Itoa(end)}
		}
		_ = json.NewEncoder(w).Encode(resp)

	case http.MethodDelete:
		a.deleted = append(a.deleted, r.URL.Query().Get("id"))
		if a.deleteStatus != 0 {
			writeHelixError(w, a.deleteStatus)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeHelixError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"status":%d,"message":"test"}`, http.StatusText(status), status)
}

func (a *helixAPI) calls() (created, deleted []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.created...), append([]string(nil), a.deleted...)
}

func newTestEventSubManager(t *testing.T, api *helixAPI, repo *fakeSubscriptionRepo) *EventSubManager {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	auth := helix.NewAuthClient(helix.AuthConfig{ClientID: "client-id"})
	client := helix.NewClient("client-id", auth, helix.WithBaseURL(srv.URL), helix.WithRetry(false, 0))

	m := newEventSubManager(client, repo, "https://crowdpad.test/webhooks/eventsub", testWebhookSecret, testBotUserID)
	m.conduitID = testConduitID
	m.policy = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, RateLimitBackoff: time.Millisecond}
	return m
}

func TestEventSub_SubscribeStoresRecordPerBroadcaster(t *testing.T) {
	api := &helixAPI{}
	repo := newFakeSubscriptionRepo()
	m := newTestEventSubManager(t, api, repo)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "b-1"))
	require.NoError(t, m.Subscribe(ctx, "b-2"))

	created, _ := api.calls()
	assert.Equal(t, []string{"b-1", "b-2"}, created)

	for _, id := range []string{"b-1", "b-2"} {
		sub, ok := repo.get(id)
		require.True(t, ok, id)
		assert.Equal(t, "sub-"+id, sub.SubscriptionID)
		assert.Equal(t, testConduitID, sub.ConduitID)
	}
}

func TestEventSub_SubscribeKeepsCurrentConduitRecord(t *testing.T) {
	api := &helixAPI{}
	repo := newFakeSubscriptionRepo(domain.ChatSubscription{BroadcasterID: "b-1", SubscriptionID: "sub-old", ConduitID: testConduitID})
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Subscribe(context.Background(), "b-1"))

	created, _ := api.calls()
	assert.Empty(t, created)
	sub, _ := repo.get("b-1")
	assert.Equal(t, "sub-old", sub.SubscriptionID)
}

func TestEventSub_SubscribeReplacesStaleConduitRecord(t *testing.T) {
	api := &helixAPI{}
	repo := newFakeSubscriptionRepo(domain.ChatSubscription{BroadcasterID: "b-1", SubscriptionID: "sub-old", ConduitID: "conduit-gone"})
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Subscribe(context.Background(), "b-1"))

	created, _ := api.calls()
	assert.Equal(t, []string{"b-1"}, created)
	sub, _ := repo.get("b-1")
	assert.Equal(t, "sub-b-1", sub.SubscriptionID)
	assert.Equal(t, testConduitID, sub.ConduitID)
}

func TestEventSub_SubscribeRetriesServerErrors(t *testing.T) {
	api := &helixAPI{createStatus: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	repo := newFakeSubscriptionRepo()
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Subscribe(context.Background(), "b-1"))

	created, _ := api.calls()
	assert.Equal(t, []string{"b-1", "b-1", "b-1"}, created)
	_, ok := repo.get("b-1")
	assert.True(t, ok)
}

func TestEventSub_SubscribeStopsOnRejection(t *testing.T) {
	api := &helixAPI{createStatus: []int{http.StatusForbidden}}
	repo := newFakeSubscriptionRepo()
	m := newTestEventSubManager(t, api, repo)

	err := m.Subscribe(context.Background(), "b-1")

	var permanent *retry.PermanentError
	require.ErrorAs(t, err, &permanent)
	created, _ := api.calls()
	assert.Len(t, created, 1)
	_, ok := repo.get("b-1")
	assert.False(t, ok)
}

func TestEventSub_ConflictRecoversMatchingBroadcaster(t *testing.T) {
	api := &helixAPI{
		createStatus: []int{http.StatusConflict},
		pageSize:     1,
		existing: []helix.EventSubSubscription{
			{ID: "sub-other", Condition: map[string]string{"broadcaster_user_id": "b-2", "user_id": testBotUserID}},
			{ID: "sub-other-bot", Condition: map[string]string{"broadcaster_user_id": "b-1", "user_id": "someone-else"}},
			{ID: "sub-live", Condition: map[string]string{"broadcaster_user_id": "b-1", "user_id": testBotUserID}},
		},
	}
	repo := newFakeSubscriptionRepo()
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Subscribe(context.Background(), "b-1"))

	sub, ok := repo.get("b-1")
	require.True(t, ok, "recovered subscription is recorded")
	assert.Equal(t, "sub-live", sub.SubscriptionID)
}

func TestEventSub_ConflictWithoutMatchRetriesCreate(t *testing.T) {
	api := &helixAPI{
		createStatus: []int{http.StatusConflict},
		pageSize:     10,
		existing: []helix.EventSubSubscription{
			{ID: "sub-other", Condition: map[string]string{"broadcaster_user_id": "b-2", "user_id": testBotUserID}},
		},
	}
	repo := newFakeSubscriptionRepo()
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Subscribe(context.Background(), "b-1"))

	created, _ := api.calls()
	assert.Equal(t, []string{"b-1", "b-1"}, created)
	sub, ok := repo.get("b-1")
	require.True(t, ok)
	assert.Equal(t, "sub-b-1", sub.SubscriptionID)
}

func TestEventSub_UnsubscribeDeletesBroadcasterSubscription(t *testing.T) {
	api := &helixAPI{}
	repo := newFakeSubscriptionRepo(
		domain.ChatSubscription{BroadcasterID: "b-1", SubscriptionID: "sub-b-1", ConduitID: testConduitID},
		domain.ChatSubscription{BroadcasterID: "b-2", SubscriptionID: "sub-b-2", ConduitID: testConduitID},
	)
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Unsubscribe(context.Background(), "b-1"))

	_, deleted := api.calls()
	assert.Equal(t, []string{"sub-b-1"}, deleted)
	_, ok := repo.get("b-1")
	assert.False(t, ok)
	_, ok = repo.get("b-2")
	assert.True(t, ok, "other broadcasters keep their chat")
}

func TestEventSub_UnsubscribeUnknownBroadcaster(t *testing.T) {
	api := &helixAPI{}
	m := newTestEventSubManager(t, api, newFakeSubscriptionRepo())

	require.NoError(t, m.Unsubscribe(context.Background(), "b-unknown"))

	_, deleted := api.calls()
	assert.Empty(t, deleted)
}

func TestEventSub_UnsubscribeAlreadyGoneOnTwitch(t *testing.T) {
	api := &helixAPI{deleteStatus: http.StatusNotFound}
	repo := newFakeSubscriptionRepo(domain.ChatSubscription{BroadcasterID: "b-1", SubscriptionID: "sub-b-1", ConduitID: testConduitID})
	m := newTestEventSubManager(t, api, repo)

	require.NoError(t, m.Unsubscribe(context.Background(), "b-1"))

	_, deleted := api.calls()
	assert.Len(t, deleted, 1, "a missing subscription is not retried")
	_, ok := repo.get("b-1")
	assert.False(t, ok)
}

func TestClassifyEventSubError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Action
	}{
		{"throttled", &helix.APIError{StatusCode: http.StatusTooManyRequests}, retry.After},
		{"client rate limit exhausted", &helix.RateLimitError{RetryAfter: time.Second}, retry.After},
		{"wrapped rate limit", fmt.Errorf("subscribe b-1: %w", &helix.RateLimitError{}), retry.After},
		{"server error", &helix.APIError{StatusCode: http.StatusInternalServerError}, retry.Retry},
		{"gateway timeout", &helix.APIError{StatusCode: http.StatusGatewayTimeout}, retry.Retry},
		{"request timeout", &helix.APIError{StatusCode: http.StatusRequestTimeout}, retry.Retry},
		{"bad request", &helix.APIError{StatusCode: http.StatusBadRequest}, retry.Stop},
		{"unauthorized", &helix.APIError{StatusCode: http.StatusUnauthorized}, retry.Stop},
		{"forbidden", &helix.APIError{StatusCode: http.StatusForbidden}, retry.Stop},
		{"wrapped conflict", fmt.Errorf("subscribe b-1: %w", &helix.APIError{StatusCode: http.StatusConflict}), retry.Stop},
		{"transport error", errors.New("connection refused"), retry.Retry},
		{"caller gave up", fmt.Errorf("subscribe b-1: %w", context.Canceled), retry.Stop},
		{"deadline", context.DeadlineExceeded, retry.Stop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyEventSubError(tt.err))
		})
	}
}
