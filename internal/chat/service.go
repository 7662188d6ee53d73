package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"plantcare/internal/apperr"
	"plantcare/internal/clock"

	"gorm.io/gorm"
)

// DefaultPrompt is prepended to every question.
const DefaultPrompt = "You are the assistant of a plant care app that helps people look after their houseplants and garden plants. " +
	"Do not say who you are unless you are asked. " +
	"Never introduce yourself as Gemini or any other AI model."

const noAnswer = "No answer received."

// Generator is implemented by Client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Service struct {
	DB     *gorm.DB
	Client Generator
	Clock  clock.Clock
	Log    *slog.Logger
	Prompt string
}

// Ask forwards text to the assistant and stores the exchange. userID is nil
// for anonymous callers. Nothing is stored when the assistant fails.
func (s *Service) Ask(ctx context.Context, userID *uint64, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message required", apperr.ErrInvalidState)
	}

	prompt := s.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	answer, err := s.Client.Generate(ctx, prompt+"\n\n"+text)
	if err != nil {
		s.logger().Warn("chat answer failed", "error", err)
		return nil, err
	}
	if strings.TrimSpace(answer) == "" {
		answer = noAnswer
	}

	m := Message{UserID: userID, Text: text, Response: answer, CreatedAt: s.Clock.Now()}
	if err := s.DB.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// History lists the caller's exchanges, newest first.
func (s *Service) History(ctx context.Context, userID uint64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Message
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at desc, id desc").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
