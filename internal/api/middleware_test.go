package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/types"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   int
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), 42),
			userId:   42,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %d", tc.userId)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	app := newTestApp(t, &database.MockNatterRepository{})

	var gotUserId int
	var gotOk bool
	handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUserId, gotOk = UserId(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("rejects a request without a cookie", func(t *testing.T) {
		gotOk = false

		req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected status code to be 401")
		assert.False(t, gotOk, "expected the handler not to run")
	})

	t.Run("rejects a garbage token", func(t *testing.T) {
		gotOk = false

		req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "not-a-token"})
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected status code to be 401")
		assert.False(t, gotOk, "expected the handler not to run")
	})

	t.Run("passes the user id through on a valid token", func(t *testing.T) {
		token, err := app.createJwtForSession(types.User{Id: 7}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: token})
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
		require.True(t, gotOk, "expected the user id in the request context")
		assert.Equal(t, 7, gotUserId, "expected the token's user id")
		assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store", "expected authenticated responses to be uncacheable")
	})
}

func TestErrorHandler(t *testing.T) {
	t.Run("recovers a panicking handler", func(t *testing.T) {
		app := newTestApp(t, &database.MockNatterRepository{})

		handler := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
		assert.Equal(t, "close", rr.Header().Get("Connection"), "expected the connection to be closed")

		var apiErr ApiError
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr), "failed to decode error response")
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode, "expected an internal server error body")
	})

	t.Run("passes a healthy handler through", func(t *testing.T) {
		app := newTestApp(t, &database.MockNatterRepository{})

		handler := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusTeapot, rr.Code, "expected the handler's status code")
	})
}
