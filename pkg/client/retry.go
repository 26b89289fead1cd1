package client

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// retriableStatusError marks an HTTP 5xx or 429 reply; retryAfter carries
// the server's requested wait when the 429 included a usable Retry-After.
type retriableStatusError struct {
	status     int
	url        string
	retryAfter time.Duration
}

func (e *retriableStatusError) Error() string {
	if e.status == http.StatusTooManyRequests {
		return fmt.Sprintf("rate limited by %s: reduce send rate or spread load", e.url)
	}
	return fmt.Sprintf("server error %d from %s: remote agent may be restarting", e.status, e.url)
}

/*
parseRetryAfter interprets a Retry-After header as either delta-seconds or
an HTTP-date. Past or unparseable values return 0, which tells the retry
loop to fall back to its computed backoff.
*/
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if delta := at.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}

/*
retryDelay picks the wait before the next attempt: the server's Retry-After
when one was given, otherwise exponential backoff min(base·2^attempt, max)
with an optional uniform jitter add-on of up to 10%.
*/
func retryDelay(err error, cfg Config, attempt int) time.Duration {
	if statusErr, ok := err.(*retriableStatusError); ok && statusErr.retryAfter > 0 {
		return statusErr.retryAfter
	}

	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}
