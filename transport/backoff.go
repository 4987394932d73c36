package transport

import (
	"fmt"
	"net/url"
	"time"
)

// Backoff returns the reconnect delay for the given attempt:
// min(base * 2^attempt, maxDelay).
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Compare before shifting so large bases cannot wrap
	if base <= 0 || attempt >= 62 || base > maxDelay>>uint(attempt) {
		return maxDelay
	}
	return base << uint(attempt)
}

// URLWithParams adds the user id and, in text-only mode, mode=text to base.
func URLWithParams(base, userID string, textOnly bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if userID != "" {
		q.Set("user_id", userID)
	}
	if textOnly {
		q.Set("mode", "text")
	} else {
		q.Del("mode")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
