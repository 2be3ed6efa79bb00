package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therr/realtime-server-go/internal/auth"
	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/httputil"
	"github.com/therr/realtime-server-go/internal/model"
	"github.com/therr/realtime-server-go/internal/presence"
	"github.com/therr/realtime-server-go/internal/redis/redistest"
	"github.com/therr/realtime-server-go/internal/service"
	"github.com/therr/realtime-server-go/internal/session"
)

func withIdentity(r *http.Request, userID string) *http.Request {
	identity := &auth.Identity{UserID: userID, UserName: "user-" + userID}
	return r.WithContext(auth.WithIdentity(r.Context(), identity))
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestPresenceHandler(t *testing.T) {
	mr, client := redistest.New(t)
	registry := session.NewRegistry(client, time.Minute)
	tracker := presence.NewTracker(client, registry, nil)
	ctx := context.Background()

	_, err := registry.Register(ctx, "sock-1", "u1", model.Profile{UserName: "alice"})
	require.NoError(t, err)
	_, err = registry.Register(ctx, "sock-3", "u3", model.Profile{UserName: "carol"})
	require.NoError(t, err)
	_, err = registry.UpdateStatus(ctx, "u3", model.UserStatusAway)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/v1/presence", NewPresenceHandler(tracker).Routes())

	t.Run("batch preserves order", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/presence/batch", jsonBody(t, map[string]any{
			"userIds": []string{"u3", "u2", "u1"},
		}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Online []bool `json:"online"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []bool{true, false, true}, body.Online)
	})

	t.Run("batch accepts empty list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/presence/batch", strings.NewReader(`{"userIds":[]}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"online":[]}`, rec.Body.String())
	})

	t.Run("batch requires ids", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/presence/batch", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, errorCode(t, rec))
	})

	t.Run("batch rejects malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/presence/batch", strings.NewReader(`{`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeValidation, errorCode(t, rec))
	})

	t.Run("active users", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/presence/active", jsonBody(t, map[string]any{
			"userIds": []string{"u1", "u2"},
		}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Users []map[string]any `json:"users"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Users, 1)
		assert.Equal(t, "alice", body.Users[0]["userName"])
		assert.NotContains(t, body.Users[0], "socketId")
	})

	t.Run("status", func(t *testing.T) {
		cases := map[string]string{"u1": "active", "u3": "away", "u2": "offline"}
		for userID, want := range cases {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/presence/"+userID, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, want, body["status"], userID)
			assert.Equal(t, want != "offline", body["online"], userID)
		}
	})

	t.Run("store outage is 503", func(t *testing.T) {
		mr.SetError("ERR store down")
		defer mr.SetError("")

		req := httptest.NewRequest(http.MethodPost, "/v1/presence/batch", strings.NewReader(`{"userIds":["u1"]}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, apperrors.ErrCodeStoreUnavailable, errorCode(t, rec))
	})
}

type mockLocationService struct {
	mock.Mock
}

func (m *mockLocationService) ProcessLocation(ctx context.Context, userID string, position model.Coordinates) (*service.LocationResult, error) {
	args := m.Called(ctx, userID, position)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.LocationResult), args.Error(1)
}

func (m *mockLocationService) InvalidateCache(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func TestLocationHandler(t *testing.T) {
	position := model.Coordinates{Latitude: 40.7128, Longitude: -74.006}

	t.Run("processes location for caller", func(t *testing.T) {
		svc := new(mockLocationService)
		svc.On("ProcessLocation", mock.Anything, "u1", position).Return(&service.LocationResult{
			UserID: "u1",
			Categories: []service.CategoryResult{
				{Category: model.CategoryMoments, Refetched: true, Activated: []model.NearbyContent{{ID: "m1"}}},
			},
		}, nil)

		req := withIdentity(httptest.NewRequest(http.MethodPost, "/", jsonBody(t, position)), "u1")
		rec := httptest.NewRecorder()
		NewLocationHandler(svc).Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body service.LocationResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "u1", body.UserID)
		require.Len(t, body.Categories, 1)
		assert.Equal(t, "m1", body.Categories[0].Activated[0].ID)
		svc.AssertExpectations(t)
	})

	t.Run("maps invalid coordinates to 400", func(t *testing.T) {
		bad := model.Coordinates{Latitude: 95, Longitude: 0}
		svc := new(mockLocationService)
		svc.On("ProcessLocation", mock.Anything, "u1", bad).Return(nil, bad.Validate())

		req := withIdentity(httptest.NewRequest(http.MethodPost, "/", jsonBody(t, bad)), "u1")
		rec := httptest.NewRecorder()
		NewLocationHandler(svc).Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, errorCode(t, rec))
	})

	t.Run("requires identity", func(t *testing.T) {
		svc := new(mockLocationService)

		rec := httptest.NewRecorder()
		NewLocationHandler(svc).Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", jsonBody(t, position)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		svc.AssertNotCalled(t, "ProcessLocation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalidates cache", func(t *testing.T) {
		svc := new(mockLocationService)
		svc.On("InvalidateCache", mock.Anything, "u1").Return(nil)

		req := withIdentity(httptest.NewRequest(http.MethodDelete, "/cache", nil), "u1")
		rec := httptest.NewRecorder()
		NewLocationHandler(svc).Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("cache invalidation store error", func(t *testing.T) {
		svc := new(mockLocationService)
		svc.On("InvalidateCache", mock.Anything, "u1").Return(apperrors.StoreUnavailable("invalidate", assert.AnError))

		req := withIdentity(httptest.NewRequest(http.MethodDelete, "/cache", nil), "u1")
		rec := httptest.NewRecorder()
		NewLocationHandler(svc).Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendDirectMessage(ctx context.Context, msg service.DirectMessage) (service.Outcome, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(service.Outcome), args.Error(1)
}

func (m *mockNotifier) NotifyReaction(ctx context.Context, reaction service.Reaction) (service.Outcome, error) {
	args := m.Called(ctx, reaction)
	return args.Get(0).(service.Outcome), args.Error(1)
}

func TestNotificationHandler(t *testing.T) {
	t.Run("direct message uses caller as sender", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("SendDirectMessage", mock.Anything, mock.MatchedBy(func(msg service.DirectMessage) bool {
			return msg.FromUserID == "u1" && msg.FromUserName == "user-u1" && msg.ToUserID == "u2" && msg.Text == "hi"
		})).Return(service.OutcomeNotified, nil)

		body := jsonBody(t, map[string]any{"toUserId": "u2", "fromUserId": "spoofed", "text": "hi"})
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/direct-message", body), "u1")
		rec := httptest.NewRecorder()
		NewNotificationHandler(notifier).Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"outcome":"notified"}`, rec.Body.String())
		notifier.AssertExpectations(t)
	})

	t.Run("direct message requires recipient", func(t *testing.T) {
		notifier := new(mockNotifier)

		req := withIdentity(httptest.NewRequest(http.MethodPost, "/direct-message", strings.NewReader(`{"text":"hi"}`)), "u1")
		rec := httptest.NewRecorder()
		NewNotificationHandler(notifier).Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, errorCode(t, rec))
	})

	t.Run("reaction", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("NotifyReaction", mock.Anything, mock.MatchedBy(func(r service.Reaction) bool {
			return r.ReactorUserID == "u1" && r.ContentUserID == "u2" && r.IsSuperLike
		})).Return(service.OutcomeThrottled, nil)

		body := jsonBody(t, map[string]any{"contentId": "m1", "contentUserId": "u2", "isSuperLike": true})
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/reaction", body), "u1")
		rec := httptest.NewRecorder()
		NewNotificationHandler(notifier).Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"outcome":"throttled"}`, rec.Body.String())
	})

	t.Run("reaction propagates throttle errors", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("NotifyReaction", mock.Anything, mock.Anything).
			Return(service.Outcome(""), apperrors.StoreUnavailable("throttle", assert.AnError))

		body := jsonBody(t, map[string]any{"contentId": "m1", "contentUserId": "u2"})
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/reaction", body), "u1")
		rec := httptest.NewRecorder()
		NewNotificationHandler(notifier).Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	mr, client := redistest.New(t)
	handler := NewHealthHandler(client, nil, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body["checks"], "database")

	mr.SetError("ERR store down")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
