package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"plantcare/internal/apperr"

	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// FCMDispatcher sends through the Firebase Cloud Messaging HTTP v1 API.
type FCMDispatcher struct {
	svc    *fcm.Service
	parent string
}

// NewFCMDispatcher builds the client once; callers pass credentials through
// opts (option.WithCredentialsFile in production).
func NewFCMDispatcher(ctx context.Context, projectID string, opts ...option.ClientOption) (*FCMDispatcher, error) {
	if projectID == "" {
		return nil, errors.New("fcm: project id required")
	}
	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: %w", err)
	}
	return &FCMDispatcher{svc: svc, parent: "projects/" + projectID}, nil
}

func (d *FCMDispatcher) Send(ctx context.Context, token string, msg Message) error {
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
		},
	}
	_, err := d.svc.Projects.Messages.Send(d.parent, req).Context(ctx).Do()
	return classifyFCMError(err)
}

func classifyFCMError(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		codes, fields := fcmDetails(gerr)
		switch {
		case codes["UNREGISTERED"], codes["SENDER_ID_MISMATCH"],
			gerr.Code == http.StatusBadRequest && fields["message.token"]:
			return fmt.Errorf("%w: %v", apperr.ErrPermanentDispatch, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return fmt.Errorf("%w: %v", apperr.ErrTransientDispatch, err)
		}
		return err
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperr.ErrTransientDispatch, err)
	}
	return err
}

// fcmDetails collects FcmError error codes and BadRequest field names from
// the error details. A 400 INVALID_ARGUMENT only means a dead token when the
// violation names message.token; otherwise the payload itself was rejected.
func fcmDetails(gerr *googleapi.Error) (codes, fields map[string]bool) {
	codes, fields = map[string]bool{}, map[string]bool{}
	for _, d := range gerr.Details {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if c, ok := m["errorCode"].(string); ok {
			codes[c] = true
		}
		violations, _ := m["fieldViolations"].([]any)
		for _, v := range violations {
			if fv, ok := v.(map[string]any); ok {
				if f, ok := fv["field"].(string); ok {
					fields[f] = true
				}
			}
		}
	}
	return codes, fields
}
