package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shohag/postrelay/internal/macro"
)

const responseExcerptLimit = 1024

// Doer is the transport used for outbound postbacks. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Outcome is the result of one outbound call. StatusCode is nil when no
// response arrived.
type Outcome struct {
	Success      bool
	StatusCode   *int
	ResponseBody string
	LatencyMs    int64
	Error        string
	StartedAt    time.Time
	CompletedAt  time.Time
}

type Sender struct {
	client  Doer
	success SuccessRange
	now     func() time.Time
}

func NewSender(client Doer, success SuccessRange) *Sender {
	if client == nil {
		client = &http.Client{}
	}
	return &Sender{
		client:  client,
		success: success,
		now:     time.Now,
	}
}

// Deliver performs exactly one HTTP call bounded by timeout. Failures are
// reported in the Outcome, never as an error.
func (s *Sender) Deliver(ctx context.Context, req *macro.Request, timeout time.Duration) Outcome {
	start := s.now()
	out := Outcome{StartedAt: start}
	finish := func() Outcome {
		out.CompletedAt = s.now()
		out.LatencyMs = out.CompletedAt.Sub(start).Milliseconds()
		return out
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		out.Error = fmt.Sprintf("failed to create request: %v", err)
		return finish()
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.Error = "timeout"
		} else {
			out.Error = fmt.Sprintf("request failed: %v", err)
		}
		return finish()
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseExcerptLimit))

	code := resp.StatusCode
	out.StatusCode = &code
	out.ResponseBody = string(excerpt)
	out.Success = s.success.Contains(code)
	if !out.Success {
		out.Error = fmt.Sprintf("unexpected status %d", code)
	}
	return finish()
}
