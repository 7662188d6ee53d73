package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"plantcare/internal/apperr"
	"plantcare/internal/clock"
	"plantcare/internal/logging"
	"plantcare/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	errs  map[string]error
	sends []string
}

func (r *recordingDispatcher) Send(ctx context.Context, token string, msg Message) error {
	r.sends = append(r.sends, token)
	return r.errs[token]
}

func newService(t *testing.T) (*Service, *recordingDispatcher) {
	t.Helper()
	fake := &recordingDispatcher{}
	return &Service{
		DB:          testutil.NewDB(t, &Device{}, &Notification{}),
		Dispatcher:  fake,
		Clock:       clock.NewFixed(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)),
		Log:         logging.Discard(),
		SendTimeout: time.Second,
	}, fake
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassNone, ClassOf(nil))
	assert.Equal(t, ClassInvalidTarget, ClassOf(fmt.Errorf("x: %w", apperr.ErrPermanentDispatch)))
	assert.Equal(t, ClassTransient, ClassOf(fmt.Errorf("x: %w", apperr.ErrTransientDispatch)))
	assert.Equal(t, ClassTransient, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, ClassUnknown, ClassOf(errors.New("boom")))
}

func TestRegisterDeviceMovesExistingToken(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	d1, err := s.RegisterDevice(ctx, 1, "tok-a", "android")
	require.NoError(t, err)
	require.NoError(t, Deactivate(s.DB, d1.ID))

	d2, err := s.RegisterDevice(ctx, 2, "tok-a", "")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)
	assert.Equal(t, uint64(2), d2.UserID)
	assert.True(t, d2.IsActive)
	assert.Equal(t, "android", d2.Platform)

	_, err = s.RegisterDevice(ctx, 2, "  ", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestSendAllDeactivatesInvalidTargetsOnly(t *testing.T) {
	s, fake := newService(t)
	ctx := context.Background()

	good, _ := s.RegisterDevice(ctx, 1, "good", "")
	dead, _ := s.RegisterDevice(ctx, 1, "dead", "")
	flaky, _ := s.RegisterDevice(ctx, 1, "flaky", "")
	fake.errs = map[string]error{
		"dead":  fmt.Errorf("unregistered: %w", apperr.ErrPermanentDispatch),
		"flaky": fmt.Errorf("503: %w", apperr.ErrTransientDispatch),
	}

	res, err := s.Push(ctx, 1, Message{Title: "t", Body: "b"})
	require.NoError(t, err)
	require.Len(t, res, 3)

	byDevice := map[uint64]Delivery{}
	for _, r := range res {
		byDevice[r.DeviceID] = r
	}
	assert.True(t, byDevice[good.ID].Delivered())
	assert.Equal(t, ClassInvalidTarget, byDevice[dead.ID].Class)
	assert.Equal(t, ClassTransient, byDevice[flaky.ID].Class)

	active, err := ActiveDevices(s.DB, 1)
	require.NoError(t, err)
	ids := []uint64{}
	for _, d := range active {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []uint64{good.ID, flaky.ID}, ids)

	// the dead token is skipped from now on
	_, err = s.Push(ctx, 1, Message{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, 5, len(fake.sends))
}

type blockingDispatcher struct{}

func (blockingDispatcher) Send(ctx context.Context, token string, msg Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSendAllBoundsEachSend(t *testing.T) {
	s, _ := newService(t)
	s.Dispatcher = blockingDispatcher{}
	s.SendTimeout = 20 * time.Millisecond

	res := s.SendAll(context.Background(), s.DB, []Device{{ID: 1, RegistrationID: "a"}, {ID: 2, RegistrationID: "b"}}, Message{})
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, ClassTransient, r.Class)
	}
}

func TestNotifyDeduplicates(t *testing.T) {
	s, fake := newService(t)
	ctx := context.Background()
	_, err := s.RegisterDevice(ctx, 1, "tok", "")
	require.NoError(t, err)

	msg := Message{Title: "Subscription reminder", Body: "Your Gold subscription is valid until 2024-01-10."}
	created, err := s.Notify(ctx, 1, msg, "subscription.expiring:1:2024-01-08")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.Notify(ctx, 1, msg, "subscription.expiring:1:2024-01-08")
	require.NoError(t, err)
	assert.False(t, created)

	// same key for another user is independent
	created, err = s.Notify(ctx, 2, msg, "subscription.expiring:1:2024-01-08")
	require.NoError(t, err)
	assert.True(t, created)

	// no key, no de-duplication
	for i := 0; i < 2; i++ {
		created, err = s.Notify(ctx, 1, msg, "")
		require.NoError(t, err)
		assert.True(t, created)
	}

	var n int64
	require.NoError(t, s.DB.Model(&Notification{}).Where("user_id = ?", 1).Count(&n).Error)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, len(fake.sends))
}

func TestInbox(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Notify(ctx, 1, Message{Title: "t", Body: fmt.Sprint(i)}, "")
		require.NoError(t, err)
	}

	list, err := s.List(ctx, 1, true, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, s.MarkRead(ctx, 1, list[0].ID))
	assert.ErrorIs(t, s.MarkRead(ctx, 2, list[1].ID), apperr.ErrNotFound)

	unread, err := s.List(ctx, 1, true, 0)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	n, err := s.MarkAllRead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUnregisterDevice(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	_, err := s.RegisterDevice(ctx, 1, "tok", "ios")
	require.NoError(t, err)

	assert.ErrorIs(t, s.UnregisterDevice(ctx, 2, "tok"), apperr.ErrNotFound)
	require.NoError(t, s.UnregisterDevice(ctx, 1, "tok"))
	assert.ErrorIs(t, s.UnregisterDevice(ctx, 1, "tok"), apperr.ErrNotFound)

	active, err := ActiveDevices(s.DB, 1)
	require.NoError(t, err)
	assert.Empty(t, active)
}
