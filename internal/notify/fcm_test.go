package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"plantcare/internal/apperr"
	"plantcare/internal/logging"

	"github.com/jarcoal/httpmock"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const fcmSendURL = "https://fcm.test/v1/projects/demo/messages:send"

func newTestFCM(t *testing.T) *FCMDispatcher {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	d, err := NewFCMDispatcher(context.Background(), "demo",
		option.WithHTTPClient(client),
		option.WithEndpoint("https://fcm.test/"),
	)
	require.NoError(t, err)
	return d
}

func fcmError(code int, status, errorCode string) httpmock.Responder {
	body := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": "request failed",
			"status":  status,
			"details": []map[string]any{{
				"@type":     "type.googleapis.com/google.firebase.fcm.v1.FcmError",
				"errorCode": errorCode,
			}},
		},
	}
	return httpmock.NewJsonResponderOrPanic(code, body)
}

func fcmBadToken() httpmock.Responder {
	body := map[string]any{
		"error": map[string]any{
			"code":    http.StatusBadRequest,
			"message": "The registration token is not a valid FCM registration token",
			"status":  "INVALID_ARGUMENT",
			"details": []map[string]any{
				{
					"@type":     "type.googleapis.com/google.firebase.fcm.v1.FcmError",
					"errorCode": "INVALID_ARGUMENT",
				},
				{
					"@type": "type.googleapis.com/google.rpc.BadRequest",
					"fieldViolations": []map[string]any{{
						"field":       "message.token",
						"description": "Invalid registration token",
					}},
				},
			},
		},
	}
	return httpmock.NewJsonResponderOrPanic(http.StatusBadRequest, body)
}

func TestFCMDispatcherSend(t *testing.T) {
	d := newTestFCM(t)

	var got map[string]any
	httpmock.RegisterResponder(http.MethodPost, fcmSendURL, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"name": "projects/demo/messages/1"})
	})

	err := d.Send(context.Background(), "tok-1", Message{
		Title: "Time to water Monstera",
		Body:  "Monstera needs water today.",
		Data:  map[string]string{"plant_id": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	msg := got["message"].(map[string]any)
	assert.Equal(t, "tok-1", msg["token"])
	assert.Equal(t, "Time to water Monstera", msg["notification"].(map[string]any)["title"])
	assert.Equal(t, "3", msg["data"].(map[string]any)["plant_id"])
}

func TestFCMDispatcherClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		want      ErrorClass
	}{
		{"unregistered", fcmError(http.StatusNotFound, "NOT_FOUND", "UNREGISTERED"), ClassInvalidTarget},
		{"invalid_token", fcmBadToken(), ClassInvalidTarget},
		{"malformed_payload", fcmError(http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_ARGUMENT"), ClassUnknown},
		{"sender_mismatch", fcmError(http.StatusForbidden, "PERMISSION_DENIED", "SENDER_ID_MISMATCH"), ClassInvalidTarget},
		{"quota", fcmError(http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "QUOTA_EXCEEDED"), ClassTransient},
		{"unavailable", fcmError(http.StatusServiceUnavailable, "UNAVAILABLE", "UNAVAILABLE"), ClassTransient},
		{"auth", fcmError(http.StatusUnauthorized, "UNAUTHENTICATED", "THIRD_PARTY_AUTH_ERROR"), ClassUnknown},
		{"network", httpmock.NewErrorResponder(errors.New("connection reset")), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestFCM(t)
			httpmock.RegisterResponder(http.MethodPost, fcmSendURL, tt.responder)

			err := d.Send(context.Background(), "tok", Message{Title: "t", Body: "b"})
			require.Error(t, err)
			assert.Equal(t, tt.want, ClassOf(err))
		})
	}
}

type scriptedDispatcher struct {
	err   error
	calls int
}

func (s *scriptedDispatcher) Send(context.Context, string, Message) error {
	s.calls++
	return s.err
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	next := &scriptedDispatcher{err: apperr.ErrTransientDispatch}
	b := NewBreakerDispatcher(next, BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute}, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Equal(t, ClassTransient, ClassOf(b.Send(ctx, "t", Message{})))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Send(ctx, "t", Message{})
	assert.Equal(t, ClassTransient, ClassOf(err))
	assert.Equal(t, 2, next.calls)
}

func TestBreakerIgnoresInvalidTargets(t *testing.T) {
	next := &scriptedDispatcher{err: apperr.ErrPermanentDispatch}
	b := NewBreakerDispatcher(next, BreakerSettings{FailureThreshold: 1}, logging.Discard())

	for i := 0; i < 3; i++ {
		assert.Equal(t, ClassInvalidTarget, ClassOf(b.Send(context.Background(), "t", Message{})))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 3, next.calls)
}
