package common

import (
	"net/http"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
)

const (
	restRetryWait    = 200 * time.Millisecond
	restRetryMaxWait = 2 * time.Second
)

// NewRestClient returns a JSON client for baseURL. Connection failures and
// busy answers (429, 5xx) are retried up to retries times.
func NewRestClient(baseURL string, timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(restRetryWait).
		SetRetryMaxWaitTime(restRetryMaxWait).
		AddRetryCondition(func(r *resty.Response, _ error) bool {
			return r != nil && IsBusyStatus(r.StatusCode())
		})
}

// IsBusyStatus reports whether an HTTP status asks the caller to come back
// later.
func IsBusyStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Answered reports whether resp carries a server answer. A request error
// with an answer is a body that could not be decoded; without one it is a
// transport failure.
func Answered(resp *resty.Response) bool {
	return resp != nil && resp.StatusCode() != 0
}
