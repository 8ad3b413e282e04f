package lorian

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	gsessions "github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery"
)

type testAPI struct {
	t       testing.TB
	b       *Bot
	api     *API
	cookies []*http.Cookie
}

func newTestAPI(t testing.TB) *testAPI {
	t.Helper()
	b, _ := newTestBot(t)
	b.config.API.Secret = "test-secret"
	api, err := newAPI(b, b.config.API)
	require.NoError(t, err)
	// most tests log in more than once per second
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	return &testAPI{t: t, b: b, api: api}
}

// do sends a request with the session cookies from the last login
func (a *testAPI) do(method, path string, payload any) *httptest.ResponseRecorder {
	a.t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(a.t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	a.api.engine.ServeHTTP(w, req)
	return w
}

// login sets the admin credentials if they aren't set yet, then logs in
func (a *testAPI) login() {
	a.t.Helper()
	if !a.b.RuntimeConfig().AdminConfigured() {
		require.NoError(
			a.t,
			a.b.setAdminCredentials(context.Background(), testAdminUsername, testAdminPassword),
		)
	}
	w := a.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
	a.cookies = w.Result().Cookies()
	require.NotEmpty(a.t, a.cookies)
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	a := newTestAPI(t)
	a.b.paused.Store(true)

	w := a.do(http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	health := decodeJSON[healthCheckResponse](t, w)
	assert.True(t, health.Paused)
	assert.False(t, health.Connected)
	assert.False(t, health.AIEnabled)
	assert.NotEmpty(t, health.Uptime)
}

func TestAPI_Setup(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeJSON[setupResponse](t, w).Required)

	t.Run(
		"mismatched passwords", func(t *testing.T) {
			w := a.do(
				http.MethodPost,
				apiPathSetup,
				adminSetupPayload{Username: "admin", Password: "password1", ConfirmPassword: "password2"},
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"short password", func(t *testing.T) {
			w := a.do(
				http.MethodPost,
				apiPathSetup,
				adminSetupPayload{Username: "admin", Password: "short", ConfirmPassword: "short"},
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	w = a.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{
			Username:        testAdminUsername,
			Password:        testAdminPassword,
			ConfirmPassword: testAdminPassword,
		},
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	cfg := a.b.RuntimeConfig()
	assert.Equal(t, testAdminUsername, cfg.AdminUsername)
	assert.NotEqual(t, testAdminPassword, cfg.AdminPassword)

	w = a.do(http.MethodGet, apiPathSetupStatus, nil)
	assert.False(t, decodeJSON[setupResponse](t, w).Required)

	t.Run(
		"only once", func(t *testing.T) {
			w := a.do(
				http.MethodPost,
				apiPathSetup,
				adminSetupPayload{Username: "other", Password: "password1", ConfirmPassword: "password1"},
			)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Equal(t, testAdminUsername, a.b.RuntimeConfig().AdminUsername)
		},
	)
}

func TestAPI_Login(t *testing.T) {
	a := newTestAPI(t)

	t.Run(
		"not configured", func(t *testing.T) {
			w := a.do(http.MethodPost, apiPathLogin, userLogin{Username: "admin", Password: "whatever"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	require.NoError(
		t,
		a.b.setAdminCredentials(context.Background(), testAdminUsername, testAdminPassword),
	)

	t.Run(
		"wrong password", func(t *testing.T) {
			w := a.do(http.MethodPost, apiPathLogin, userLogin{Username: testAdminUsername, Password: "nope"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"wrong username", func(t *testing.T) {
			w := a.do(http.MethodPost, apiPathLogin, userLogin{Username: "root", Password: testAdminPassword})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"missing fields", func(t *testing.T) {
			w := a.do(http.MethodPost, apiPathLogin, map[string]string{"username": testAdminUsername})
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"protected routes need a session", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	a.login()
	w := a.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, w).Username)

	t.Run(
		"logout", func(t *testing.T) {
			w := a.do(http.MethodPost, apiPathLogout, nil)
			require.Equal(t, http.StatusOK, w.Code)
			a.cookies = w.Result().Cookies()

			w = a.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	a := newTestAPI(t)
	a.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	w := a.do(http.MethodPost, apiPathLogin, userLogin{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(http.MethodPost, apiPathLogin, userLogin{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_Config(t *testing.T) {
	a := newTestAPI(t)
	a.login()

	w := a.do(http.MethodGet, apiPrefix+apiPathConfig, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decodeJSON[RuntimeConfig](t, w)
	assert.Empty(t, cfg.AdminPassword)
	assert.Equal(t, testAdminUsername, cfg.AdminUsername)
	assert.NotContains(t, w.Body.String(), a.b.RuntimeConfig().AdminPassword)

	w = a.do(
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{
			DiscordCustomStatus: ptr("drawing"),
			AIEnabled:           ptr(false),
			LogLevel:            ptr(DBLogLevel("DEBUG")),
		},
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	updated := decodeJSON[RuntimeConfig](t, w)
	assert.Empty(t, updated.AdminPassword)
	assert.Equal(t, "drawing", updated.DiscordCustomStatus)
	assert.False(t, updated.AIEnabled)
	assert.Equal(t, "drawing", a.b.RuntimeConfig().DiscordCustomStatus)

	t.Run(
		"invalid log level", func(t *testing.T) {
			w := a.do(
				http.MethodPatch,
				apiPrefix+apiPathConfig,
				map[string]string{"log_level": "LOUD"},
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)
}

func TestAPI_Lists(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	a.login()
	now := time.Now()

	for _, r := range []*Reminder{
		{ID: "sent", UserID: "1", ChannelID: "c", Message: "a", RemindAt: now.UnixMilli(), Sent: true},
		{ID: "pending", UserID: "1", ChannelID: "c", Message: "b", RemindAt: now.Add(time.Hour).UnixMilli()},
	} {
		_, err := a.b.db.Create(ctx, r)
		require.NoError(t, err)
	}
	for _, tk := range []*Ticket{
		{ID: "ticket-1-aaaaaaaa", Kind: TicketKindTicket, UserID: "1", ChannelID: "c1", GuildID: "g"},
		{ID: "commission-1-bbbbbbbb", Kind: TicketKindCommission, UserID: "1", ChannelID: "c2", GuildID: "g"},
	} {
		_, err := a.b.db.Create(ctx, tk)
		require.NoError(t, err)
	}
	conv := &Conversation{UserID: "1", UserName: "someone"}
	require.NoError(t, conv.Append(conversationRoleUser, "hi", now))
	_, err := a.b.db.Create(ctx, conv)
	require.NoError(t, err)

	t.Run(
		"reminders", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathReminders, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Len(t, decodeJSON[[]Reminder](t, w), 2)

			w = a.do(http.MethodGet, apiPrefix+apiPathReminders+"?pending=true", nil)
			require.Equal(t, http.StatusOK, w.Code)
			pending := decodeJSON[[]Reminder](t, w)
			require.Len(t, pending, 1)
			assert.Equal(t, "pending", pending[0].ID)

			w = a.do(http.MethodGet, apiPrefix+apiPathReminders+"?limit=1", nil)
			require.Equal(t, http.StatusOK, w.Code)
			limited := decodeJSON[[]Reminder](t, w)
			require.Len(t, limited, 1)
			assert.Equal(t, "sent", limited[0].ID)

			w = a.do(http.MethodGet, apiPrefix+apiPathReminders+"?limit=1000", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			w = a.do(http.MethodDelete, apiPrefix+"/reminder/pending", nil)
			assert.Equal(t, http.StatusOK, w.Code)
			w = a.do(http.MethodDelete, apiPrefix+"/reminder/pending", nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
		},
	)

	t.Run(
		"tickets", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathTickets, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Len(t, decodeJSON[[]Ticket](t, w), 2)

			w = a.do(http.MethodGet, apiPrefix+apiPathTickets+"?kind=commission", nil)
			require.Equal(t, http.StatusOK, w.Code)
			commissions := decodeJSON[[]Ticket](t, w)
			require.Len(t, commissions, 1)
			assert.Equal(t, "commission-1-bbbbbbbb", commissions[0].ID)

			w = a.do(http.MethodGet, apiPrefix+apiPathTickets+"?kind=nope", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"feedback", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathFeedback, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "[]", w.Body.String())
		},
	)

	t.Run(
		"conversations", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathConversations, nil)
			require.Equal(t, http.StatusOK, w.Code)
			conversations := decodeJSON[[]Conversation](t, w)
			require.Len(t, conversations, 1)
			assert.Equal(t, "someone", conversations[0].UserName)

			w = a.do(http.MethodDelete, apiPrefix+"/conversation/1", nil)
			assert.Equal(t, http.StatusOK, w.Code)
			w = a.do(http.MethodDelete, apiPrefix+"/conversation/1", nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
		},
	)

	t.Run(
		"stats", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathStats, nil)
			require.Equal(t, http.StatusOK, w.Code)
			stats := decodeJSON[BotStats](t, w)
			assert.Equal(t, int64(1), stats.OpenTickets)
			assert.Equal(t, int64(1), stats.OpenCommissions)
		},
	)

	t.Run(
		"metrics", func(t *testing.T) {
			w := a.do(http.MethodGet, apiPrefix+apiPathMetrics, nil)
			require.Equal(t, http.StatusOK, w.Code)
			metrics := decodeJSON[map[string]int](t, w)
			assert.Equal(t, 1, metrics["GET "+apiPrefix+apiPathFeedback])
			assert.Positive(t, metrics["POST "+apiPathLogin])
		},
	)
}

func TestAPI_Export(t *testing.T) {
	a := newTestAPI(t)
	a.login()

	w := a.do(http.MethodPost, apiPrefix+apiPathExport, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeJSON[exportResponse](t, w)
	assert.FileExists(t, resp.Path)

	data, err := os.ReadFile(resp.Path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestAPI_RegisterCommands(t *testing.T) {
	a := newTestAPI(t)
	a.login()

	w := a.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code, "application ID isn't known before Ready")

	a.b.discord.config.ApplicationID = "app"
	w = a.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, decodeJSON[[]map[string]any](t, w), len(applicationCommands()))
}

func TestAPI_NotFound(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestSessionOptions(t *testing.T) {
	cfg := DefaultConfig().API
	opts := sessionOptions(cfg)
	assert.Equal(t, http.SameSiteStrictMode, opts.SameSite)
	assert.True(t, opts.HttpOnly)
	assert.True(t, opts.Secure)
	assert.Equal(t, int(DefaultAPISessionMaxAge.Seconds()), opts.MaxAge)

	cfg.Development = true
	assert.Equal(t, http.SameSiteNoneMode, sessionOptions(cfg).SameSite)
}

type mockSessionStore struct {
	gsessions.Store
	mock.Mock
}

func (m *mockSessionStore) Options(_ sessions.Options) {
	//
}

func (m *mockSessionStore) Get(r *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(r, name)
	if s := args.Get(0); s != nil {
		return s.(*gsessions.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSessionStore) New(r *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(r, name)
	return args.Get(0).(*gsessions.Session), args.Error(1)
}

func (m *mockSessionStore) Save(r *http.Request, w http.ResponseWriter, s *gsessions.Session) error {
	args := m.Called(r, w, s)
	return args.Error(0)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, _ := newTestBot(t)
	require.NoError(t, b.setAdminCredentials(context.Background(), testAdminUsername, testAdminPassword))

	testCases := []struct {
		name       string
		setupMock  func(m *mockSessionStore)
		wantStatus int
	}{
		{
			name: "logged in",
			setupMock: func(m *mockSessionStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = testAdminUsername
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "no username",
			setupMock: func(m *mockSessionStore) {
				session := gsessions.NewSession(m, sessionVarName)
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "non-string username",
			setupMock: func(m *mockSessionStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = 123
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				store := &mockSessionStore{}
				tc.setupMock(store)

				r := gin.New()
				r.Use(sessions.Sessions(sessionVarName, store))
				r.GET(
					"/protected", authMiddleware(b), func(c *gin.Context) {
						c.Status(http.StatusOK)
					},
				)

				w := httptest.NewRecorder()
				r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
				assert.Equal(t, tc.wantStatus, w.Code)
				store.AssertExpectations(t)
			},
		)
	}

	t.Run(
		"admin not configured", func(t *testing.T) {
			unconfigured, _ := newTestBot(t)
			store := &mockSessionStore{}

			r := gin.New()
			r.Use(sessions.Sessions(sessionVarName, store))
			r.GET(
				"/protected", authMiddleware(unconfigured), func(c *gin.Context) {
					c.Status(http.StatusOK)
				},
			)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
		},
	)
}
