package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"plantcare/internal/auth"
	"plantcare/internal/chat"
	"plantcare/internal/clock"
	"plantcare/internal/config"
	"plantcare/internal/db"
	"plantcare/internal/diagnosis"
	"plantcare/internal/logging"
	"plantcare/internal/metrics"
	"plantcare/internal/notify"
	"plantcare/internal/notify/notifytest"
	"plantcare/internal/plant"
	"plantcare/internal/subscription"
	"plantcare/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubIdentifier struct{}

func (stubIdentifier) Identify(context.Context, []byte) (*diagnosis.Result, error) {
	return &diagnosis.Result{Suggestions: []diagnosis.Suggestion{{PlantName: "Ficus lyrata", Probability: 0.7}}}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	return "Let the soil dry between waterings.", nil
}

type api struct {
	t     *testing.T
	h     http.Handler
	db    *gorm.DB
	push  *notifytest.FakeDispatcher
	clock *clock.Fixed
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gdb := testutil.NewDB(t, db.Models()...)
	c := clock.NewFixed(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC))
	log := logging.Discard()
	push := &notifytest.FakeDispatcher{}

	n := &notify.Service{DB: gdb, Dispatcher: push, Clock: c, Log: log}
	subs := subscription.New(gdb, c, log, n)
	subs.FreeUsageLimit = 3
	plants := &plant.Service{DB: gdb, Clock: c, Log: log, Premium: subs, FreeLimit: 3}

	h := NewRouter(Deps{
		Config:        config.Config{},
		DB:            gdb,
		JWT:           auth.NewJWT("test-secret"),
		Log:           log,
		Plants:        plants,
		Diagnosis:     &diagnosis.Service{Plants: plants, Client: stubIdentifier{}, MediaDir: t.TempDir(), Log: log},
		Chat:          &chat.Service{DB: gdb, Client: stubGenerator{}, Clock: c, Log: log},
		Notify:        n,
		Subscriptions: subs,
		Metrics:       metrics.New(),
	})
	return &api{t: t, h: h, db: gdb, push: push, clock: c}
}

func (a *api) do(method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *api) register(email string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/auth/register", "", map[string]any{"email": email, "password": "password123"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[map[string]any](a.t, rec)["token"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plantcare_http_requests_total")
}

func TestAuthFlow(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "not-an-email", "password": "password123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "a@x.io", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.register("A@x.io")
	rec = a.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "a@x.io", "password": "password123"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/auth/login", "", map[string]any{"email": "a@x.io", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = a.do(http.MethodPost, "/auth/login", "", map[string]any{"email": "a@x.io", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody[map[string]any](t, rec)["token"].(string)

	rec = a.do(http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "a@x.io", me["email"])
	assert.Equal(t, false, me["subscription"].(map[string]any)["active"])

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/me", "garbage", nil).Code)
}

func TestPlantLifecycle(t *testing.T) {
	a := newAPI(t)
	token := a.register("a@x.io")
	other := a.register("b@x.io")

	rec := a.do(http.MethodPost, "/plants", token, map[string]any{
		"name": "Monstera", "watering_frequency_days": 7, "last_watered_date": "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "2024-01-08", p["next_watering_date"])
	id := int(p["id"].(float64))
	path := "/plants/" + strconv.Itoa(id)

	rec = a.do(http.MethodPost, "/plants", token, map[string]any{"name": "Bad", "watering_frequency_days": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, path, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, path+"/water", other, nil).Code)

	rec = a.do(http.MethodPost, path+"/water", token, map[string]any{"note": "morning"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	watered := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "2024-01-15", watered["plant"].(map[string]any)["next_watering_date"])

	rec = a.do(http.MethodGet, path+"/watering-logs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string]any](t, rec)["items"], 1)

	rec = a.do(http.MethodPatch, path, token, map[string]any{"watering_frequency_days": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-01-11", decodeBody[map[string]any](t, rec)["next_watering_date"])

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, path, token, nil).Code)
	rec = a.do(http.MethodGet, "/plants", token, nil)
	assert.Empty(t, decodeBody[map[string]any](t, rec)["items"])
}

func TestFreePlantLimit(t *testing.T) {
	a := newAPI(t)
	token := a.register("a@x.io")

	for i := 0; i < 3; i++ {
		rec := a.do(http.MethodPost, "/plants", token, map[string]any{"name": "Pothos"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := a.do(http.MethodPost, "/plants", token, map[string]any{"name": "Pothos"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDiagnosisUpload(t *testing.T) {
	a := newAPI(t)
	token := a.register("a@x.io")
	rec := a.do(http.MethodPost, "/plants", token, map[string]any{"name": "Fig"})
	require.Equal(t, http.StatusCreated, rec.Code)
	path := "/plants/" + strconv.Itoa(int(decodeBody[map[string]any](t, rec)["id"].(float64))) + "/diagnoses"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "leaf.png")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("png-bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeBody[map[string]any](t, rec)
	assert.Equal(t, plant.CategoryOther, d["category"])
	assert.Equal(t, []any{"Ficus lyrata"}, d["suggested_names"])

	rec = a.do(http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string]any](t, rec)["items"], 1)
}

func TestSubscriptionFlow(t *testing.T) {
	a := newAPI(t)
	admin := a.register("admin@x.io")
	require.NoError(t, a.db.Model(&auth.User{}).Where("email = ?", "admin@x.io").Update("is_admin", true).Error)
	token := a.register("a@x.io")

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/admin/plans", token, map[string]any{"name": "x", "duration_days": 1}).Code)

	rec := a.do(http.MethodPost, "/admin/plans", admin, map[string]any{"name": "monthly", "duration_days": 30, "price": 990})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	planID := decodeBody[map[string]any](t, rec)["id"].(float64)

	rec = a.do(http.MethodGet, "/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string]any](t, rec)["items"], 1)

	rec = a.do(http.MethodPost, "/devices", token, map[string]any{"registration_id": "tok-1", "platform": "android"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	buy := map[string]any{"plan_id": planID}
	rec = a.do(http.MethodPost, "/subscriptions", token, buy, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decodeBody[map[string]any](t, rec)["subscription"].(map[string]any)

	rec = a.do(http.MethodPost, "/subscriptions", token, buy, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/payments", token, nil)
	assert.Len(t, decodeBody[map[string]any](t, rec)["items"], 1)

	rec = a.do(http.MethodGet, "/subscriptions/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, st["active"])
	assert.Equal(t, "monthly", st["plan_name"])

	rec = a.do(http.MethodGet, "/admin/stats", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody[map[string]any](t, rec)["active_subscription_count"])

	rec = a.do(http.MethodGet, "/notifications?unread=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string]any](t, rec)["items"], 1)
	assert.Equal(t, []string{"tok-1"}, a.push.Tokens())

	subPath := "/subscriptions/" + strconv.Itoa(int(sub["id"].(float64)))
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodDelete, subPath, admin, nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, subPath, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodDelete, subPath, token, nil).Code)

	rec = a.do(http.MethodPost, "/notifications/read-all", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, decodeBody[map[string]any](t, rec)["updated"])

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, "/devices/tok-1", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodDelete, "/devices/tok-1", token, nil).Code)
}

func TestUsageLimit(t *testing.T) {
	a := newAPI(t)
	token := a.register("a@x.io")

	for i := 1; i <= 3; i++ {
		rec := a.do(http.MethodPost, "/usage", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(i), decodeBody[map[string]any](t, rec)["count"])
	}
	rec := a.do(http.MethodPost, "/usage", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "3/3"))
}

func TestChatWithOptionalAuth(t *testing.T) {
	a := newAPI(t)
	token := a.register("chat@x.io")

	rec := a.do(http.MethodPost, "/chat", "", map[string]any{"message": "Why are my leaves yellow?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "Let the soil dry between waterings.", body["answer"])

	rec = a.do(http.MethodPost, "/chat", token, map[string]any{"message": "And brown tips?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/chat", "garbage", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/chat", "", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/chat/messages", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[[]map[string]any](t, rec)
	require.Len(t, hist, 1)
	assert.Equal(t, "And brown tips?", hist[0]["text"])

	rec = a.do(http.MethodGet, "/chat/messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuestUseOnce(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/guest/use", "", nil, "X-Guest-Id", "device-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(http.MethodPost, "/guest/use", "", nil, "X-Guest-Id", "device-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(http.MethodPost, "/guest/use", "", nil, "X-Guest-Id", "device-2")
	assert.Equal(t, http.StatusOK, rec.Code)
}
