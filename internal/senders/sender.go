// Package senders defines the capability the engine consumes to perform an
// actual platform-level transmission. The dispatcher is platform-agnostic;
// one Sender implementation exists per platform.
package senders

import (
	"context"
	"errors"
	"net"
	"net/http"

	"bcast/internal/domain"
)

type SendInput struct {
	Target   domain.Target
	SenderID string
	Body     string
	MediaRef string
}

type Sender interface {
	Send(ctx context.Context, in SendInput) error
}

// GatewayError carries the upstream HTTP status so a failure can be
// classified without inspecting transport internals.
type GatewayError struct {
	Status  int
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Status)
}

type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
)

// Classify buckets a delivery error for operator messaging. It never drives
// automatic behavior: the engine does not retry either class.
func Classify(err error) Classification {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		switch {
		case ge.Status == http.StatusTooManyRequests, ge.Status == http.StatusRequestTimeout:
			return Transient
		case ge.Status >= 500 && ge.Status <= 599:
			return Transient
		default:
			return Permanent
		}
	}
	// bare transport errors (connection refused, DNS) are worth flagging as
	// transient so the operator retries the subset later
	return Transient
}

// Reason renders the stored failure reason: classification plus the error.
func Reason(err error) string {
	return string(Classify(err)) + ": " + err.Error()
}
