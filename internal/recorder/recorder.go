// Package recorder reports acknowledging users to the recording endpoint.
//
// Record is fire-and-forget: the POST runs on the task engine and every
// failure ends in a log line, never in the caller.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"bottlebot/internal/task/engine"
	logx "bottlebot/pkg/logx"
)

const addUserPath = "/adduser"

var ErrRejected = errors.New("recording rejected")

// Enqueuer is the part of *engine.Service the recorder needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Recorder struct {
	url     string
	timeout time.Duration
	http    *http.Client
	eng     Enqueuer
	log     logx.Logger
}

type addUserForm struct {
	UserName string `url:"user_name"`
}

// New returns a Recorder posting to cfg.BaseURL + "/adduser". hc may be nil.
func New(cfg Config, hc *http.Client, eng Enqueuer, log logx.Logger) *Recorder {
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		url:     strings.TrimRight(cfg.BaseURL, "/") + addUserPath,
		timeout: cfg.Timeout,
		http:    hc,
		eng:     eng,
		log:     log,
	}
}

// Record schedules one POST for user and returns immediately.
func (r *Recorder) Record(user string) {
	err := r.eng.Enqueue(engine.Task{
		Name:    "recorder.adduser",
		Timeout: r.timeout,
		Run:     func(ctx context.Context) error { return r.Post(ctx, user) },
	})
	if err != nil {
		r.log.Warn("user not recorded", logx.String("user", user), logx.Err(err))
		return
	}
	r.log.Debug("user recording queued", logx.String("user", user))
}

// Post performs the request synchronously. A 4xx is not retried; a 429
// honors Retry-After.
func (r *Recorder) Post(ctx context.Context, user string) error {
	form, err := query.Values(addUserForm{UserName: user})
	if err != nil {
		return engine.NoRetry(fmt.Errorf("encode form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(form.Encode()))
	if err != nil {
		return engine.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch code := resp.StatusCode; {
	case code/100 == 2:
		r.log.Info("user recorded", logx.String("user", user))
		return nil
	case code == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return engine.RetryAfter(fmt.Errorf("%w: %d", ErrRejected, code), time.Duration(secs)*time.Second)
	case code/100 == 4:
		return engine.NoRetry(fmt.Errorf("%w: %d", ErrRejected, code))
	default:
		return fmt.Errorf("%w: %d", ErrRejected, code)
	}
}
