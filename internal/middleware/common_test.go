package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-api/internal/middleware"
)

func newCommonApp(t *testing.T) (*fiber.App, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var logs, access bytes.Buffer
	logger := zerolog.New(&logs)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: &access})
	app.Get("/api/v1/chat/echo", func(c *fiber.Ctx) error {
		return c.SendString(middleware.CorrelationIDFromContext(c.UserContext()))
	})
	app.Get("/api/v1/chat/boom", func(c *fiber.Ctx) error {
		panic("chat handler exploded")
	})
	return app, &logs, &access
}

func TestCorrelationIDPropagatesIncomingValue(t *testing.T) {
	app, _, access := newCommonApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/echo", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, "req-42", resp.Header.Get(middleware.CorrelationHeader))

	body := new(bytes.Buffer)
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "req-42", body.String())
	require.Contains(t, access.String(), "req-42")
}

func TestCorrelationIDReplacesUnsafeValues(t *testing.T) {
	app, _, _ := newCommonApp(t)

	for _, incoming := range []string{strings.Repeat("a", 129), "two words", "tab\tseparated"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/echo", nil)
		req.Header.Set(middleware.CorrelationHeader, incoming)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)

		got := resp.Header.Get(middleware.CorrelationHeader)
		require.NotEqual(t, incoming, got)
		_, err = uuid.Parse(got)
		require.NoError(t, err)
	}
}

func TestRegisterRecoversPanicsWithCorrelation(t *testing.T) {
	app, logs, _ := newCommonApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/boom", nil)
	req.Header.Set(middleware.CorrelationHeader, "boom-1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	require.Contains(t, logs.String(), `"component":"http"`)
	require.Contains(t, logs.String(), `"correlation_id":"boom-1"`)
	require.Contains(t, logs.String(), "chat handler exploded")
}

func TestRegisterExposesCorrelationHeader(t *testing.T) {
	app, _, _ := newCommonApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/echo", nil)
	req.Header.Set("Origin", "https://app.gema.local")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), middleware.CorrelationHeader)
}
