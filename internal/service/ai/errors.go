package ai

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrorKind tells the user-visible notice apart.
type ErrorKind int

const (
	ProviderError ErrorKind = iota
	RateLimited
	NetworkError
)

func (k ErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case NetworkError:
		return "network_error"
	default:
		return "provider_error"
	}
}

var (
	ErrEmptyCompletion = errors.New("model returned an empty completion")
	ErrStreamStalled   = errors.New("no data received from model before idle timeout")
)

// StreamError is the terminal error of a stream.
type StreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *StreamError) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Classify maps a provider or transport error onto an ErrorKind.
func Classify(err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return &StreamError{Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) ErrorKind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusKind(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusKind(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, ErrStreamStalled) || errors.Is(err, context.DeadlineExceeded) {
		return NetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return RateLimited
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unexpected eof"):
		return NetworkError
	}
	return ProviderError
}

func statusKind(code int) ErrorKind {
	if code == http.StatusTooManyRequests {
		return RateLimited
	}
	return ProviderError
}
