// Package diagnosis identifies plants and their diseases from a photo using
// the plant.id v2 API.
package diagnosis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const DefaultURL = "https://api.plant.id/v2/identify"

// ErrUnavailable wraps failures where plant.id could not produce an answer:
// network errors, 5xx, rate limiting or an open breaker.
var ErrUnavailable = errors.New("diagnosis service unavailable")

// StatusError is a non-2xx answer from plant.id.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("plant.id returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Client struct {
	url     string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*Result]
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRateLimit caps outgoing identify calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewClient(url, apiKey string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:     url,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
	for _, o := range opts {
		o(c)
	}
	c.cb = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:    "plant.id",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			return err == nil
		},
	})
	return c
}

type identifyRequest struct {
	APIKey        string   `json:"api_key"`
	Images        []string `json:"images"`
	Modifiers     []string `json:"modifiers"`
	PlantLanguage string   `json:"plant_language"`
	PlantDetails  []string `json:"plant_details"`
}

// Result is the part of the identify response we use.
type Result struct {
	Suggestions      []Suggestion     `json:"suggestions"`
	HealthAssessment HealthAssessment `json:"health_assessment"`
}

type Suggestion struct {
	PlantName    string  `json:"plant_name"`
	Probability  float64 `json:"probability"`
	PlantDetails struct {
		CommonNames []string `json:"common_names"`
	} `json:"plant_details"`
}

type HealthAssessment struct {
	IsHealthy            bool      `json:"is_healthy"`
	IsHealthyProbability float64   `json:"is_healthy_probability"`
	Diseases             []Disease `json:"diseases"`
}

type Disease struct {
	Name           string  `json:"name"`
	Probability    float64 `json:"probability"`
	DiseaseDetails struct {
		Classification Strings   `json:"classification"`
		Treatment      Treatment `json:"treatment"`
	} `json:"disease_details"`
}

// Strings accepts either a JSON string or an array of strings.
type Strings []string

func (s *Strings) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte(`"`)) {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = Strings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Treatment is either free text or the structured biological/chemical/
// prevention lists.
type Treatment struct {
	Text       string
	Biological []string `json:"biological"`
	Chemical   []string `json:"chemical"`
	Prevention []string `json:"prevention"`
}

func (t *Treatment) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte(`"`)) {
		return json.Unmarshal(b, &t.Text)
	}
	type plain Treatment
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = Treatment(p)
	return nil
}

func (t Treatment) Lines() []string {
	var out []string
	if t.Text != "" {
		out = append(out, t.Text)
	}
	out = append(out, t.Biological...)
	out = append(out, t.Chemical...)
	out = append(out, t.Prevention...)
	return out
}

// Identify sends one image to plant.id.
func (c *Client) Identify(ctx context.Context, image []byte) (*Result, error) {
	if len(image) == 0 {
		return nil, errors.New("empty image")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res, err := c.cb.Execute(func() (*Result, error) {
		return c.identify(ctx, image)
	})
	if err == nil {
		return res, nil
	}

	var se *StatusError
	switch {
	case errors.As(err, &se) && !se.retryable():
		return nil, err
	case errors.Is(err, ErrUnavailable):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (c *Client) identify(ctx context.Context, image []byte) (*Result, error) {
	body, err := json.Marshal(identifyRequest{
		APIKey:        c.apiKey,
		Images:        []string{base64.StdEncoding.EncodeToString(image)},
		Modifiers:     []string{"crops_fast", "similar_images"},
		PlantLanguage: "en",
		PlantDetails:  []string{"common_names", "url", "wiki_description", "health_assessment"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode plant.id response: %w", err)
	}
	return &out, nil
}
