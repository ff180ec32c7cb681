package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoge-lms/scormbridge/internal/telemetry"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultRetryMaxTries   = 3
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the backend API root, e.g. "https://api.example.com/api".
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// HTTPClient overrides the default client. Its Jar, when nil, is replaced
	// so that cookies set by the backend are sent on later requests.
	HTTPClient *http.Client
	// Timeout applies to individual requests. Defaults to 30 seconds.
	Timeout time.Duration
	// RetryMaxTries bounds attempts for idempotent reads. Defaults to 3.
	RetryMaxTries uint
	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
	Logger          *log.Logger
	Tracer          trace.Tracer
}

// Client talks to the LMS backend. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	retryTries uint
	backOff    func() backoff.BackOff
	logger     *log.Logger
	tracer     trace.Tracer
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: BaseURL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("backend: parse BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("backend: create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	tries := cfg.RetryMaxTries
	if tries == 0 {
		tries = defaultRetryMaxTries
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("scormbridge/backend")
	}

	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		client:     httpClient,
		retryTries: tries,
		logger:     logger,
		tracer:     tracer,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.With("breaker", name, "from", from.String(), "to", to.String()).Warn("backend circuit breaker state changed")
		},
	})
	return c, nil
}

// Jar returns the cookie jar shared by every request.
func (c *Client) Jar() http.CookieJar {
	return c.client.Jar
}

// BaseURL returns the normalized backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AvailableLanguages lists the content languages of a course.
func (c *Client) AvailableLanguages(ctx context.Context, courseID string) ([]Language, error) {
	var resp languagesResponse
	path := "/coursetobuy/" + url.PathEscape(courseID) + "/available_languages/"
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Languages, nil
}

// LaunchURL resolves the content entry point for a course language.
func (c *Client) LaunchURL(ctx context.Context, courseID, languageCode string) (string, error) {
	var resp launchResponse
	path := "/coursetobuy/" + url.PathEscape(courseID) + "/scorm/launch/" + url.PathEscape(languageCode) + "/"
	if err := c.get(ctx, path, &resp); err != nil {
		return "", err
	}
	launchURL := strings.TrimSpace(resp.ScormURL)
	if launchURL == "" {
		return "", fmt.Errorf("%w: course=%s language=%s", ErrNoLaunchURL, courseID, languageCode)
	}
	return launchURL, nil
}

// SetUserCookie asks the backend to set the cookie that identifies the learner
// to content served from the backend domain.
func (c *Client) SetUserCookie(ctx context.Context, learnerID string) error {
	return c.post(ctx, "/scorm/set-user-cookie/", userCookieRequest{UserID: learnerID}, nil)
}

// ProgressData returns every learner's tracking record for a course.
func (c *Client) ProgressData(ctx context.Context, courseID string) ([]ProgressRow, error) {
	var rows []ProgressRow
	path := "/scorm/get-data/?courseId=" + url.QueryEscape(courseID)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RecommendedCourses lists courses recommended after finishing courseID.
func (c *Client) RecommendedCourses(ctx context.Context, courseID string) ([]Course, error) {
	var resp recommendedResponse
	path := "/courses/" + url.PathEscape(courseID) + "/recommended/"
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Courses, nil
}

// GetValue reads one CMI element from the tracking store.
func (c *Client) GetValue(ctx context.Context, courseID, element string) (string, error) {
	var resp valueResponse
	if err := c.post(ctx, "/scorm/data/get/", trackingRequest{CourseID: courseID, CMIElement: element}, &resp); err != nil {
		return "", err
	}
	return resp.Value.String(), nil
}

// SetValue writes one CMI element to the tracking store.
func (c *Client) SetValue(ctx context.Context, courseID, element, value string) error {
	return c.post(ctx, "/scorm/data/set/", trackingRequest{CourseID: courseID, CMIElement: element, Value: &value}, nil)
}

// Commit persists buffered tracking writes.
func (c *Client) Commit(ctx context.Context, courseID string) error {
	return c.post(ctx, "/scorm/data/commit/", trackingRequest{CourseID: courseID}, nil)
}

// EndSession closes the tracking session for a course.
func (c *Client) EndSession(ctx context.Context, courseID string) error {
	return c.post(ctx, "/scorm/session/end/", trackingRequest{CourseID: courseID}, nil)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	ctx, call := telemetry.StartRequest(ctx, c.tracer, telemetry.RequestSpec{Method: http.MethodGet, Path: path, Idempotent: true})
	status := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("backend: create request: %w", err))
		}
		status, err = c.doRequest(req, dest)
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			call.RecordAttempt(status, err)
			c.logger.With("path", path, "error", telemetry.Redact(err.Error())).Debug("retrying backend read")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(c.retryTries))
	call.End(status, err)
	return err
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	ctx, call := telemetry.StartRequest(ctx, c.tracer, telemetry.RequestSpec{Method: http.MethodPost, Path: path})
	status, err := c.postOnce(ctx, path, body, dest)
	call.End(status, err)
	return err
}

func (c *Client) postOnce(ctx context.Context, path string, body any, dest any) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("backend: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) (int, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	status := 0
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("backend: %s %s: %w", req.Method, req.URL.Path, err)
		}
		defer func() { _ = resp.Body.Close() }()
		status = resp.StatusCode
		return nil, handleResponse(req, resp, dest)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return status, err
}

// BreakerState reports the circuit breaker state: "closed", "half-open" or "open".
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func handleResponse(req *http.Request, resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(req.Method, req.URL.Path, resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// Decode failures are not worth retrying.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	return true
}
