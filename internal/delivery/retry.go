package delivery

import (
	"time"

	"github.com/shohag/postrelay/internal/models"
)

// Backoff returns the delay before the retry that follows attempt n:
// min(base * 2^(n-1), max).
func Backoff(p models.RetryPolicy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		next := d * 2
		if next <= d || (p.MaxDelay > 0 && next >= p.MaxDelay) {
			if p.MaxDelay > 0 {
				return p.MaxDelay
			}
			return d
		}
		d = next
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SuccessRange is the inclusive status code range counted as delivered.
type SuccessRange struct {
	Min int
	Max int
}

var DefaultSuccessRange = SuccessRange{Min: 200, Max: 299}

func (r SuccessRange) Contains(statusCode int) bool {
	if r.Min == 0 && r.Max == 0 {
		r = DefaultSuccessRange
	}
	return statusCode >= r.Min && statusCode <= r.Max
}

func IsSuccess(statusCode int) bool {
	return DefaultSuccessRange.Contains(statusCode)
}

// Defaults fill in the retry policy and timeout a template leaves unset.
type Defaults struct {
	Retry   models.RetryPolicy
	Timeout time.Duration
}

func (d Defaults) policy(t *models.Template) models.RetryPolicy {
	p := t.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.Retry.MaxAttempts
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.Retry.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.Retry.MaxDelay
	}
	return p
}

func (d Defaults) timeout(t *models.Template) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return d.Timeout
}
