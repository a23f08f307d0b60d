package channels

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-resty/resty/v2"

	"lifeguard/internal/delivery"
)

// classifyTransport maps a transport-level error (no HTTP response).
func classifyTransport(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err
	}
	var oe *net.OpError
	var de *net.DNSError
	if errors.As(err, &oe) || errors.As(err, &de) {
		return delivery.Unreachable(err)
	}
	return err
}

// classifyHTTP maps a resty result onto the delivery error contract.
func classifyHTTP(ctx context.Context, resp *resty.Response, err error) error {
	if err != nil {
		return classifyTransport(ctx, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("http %d: %s", code, trimBody(resp.Body()))
	default:
		return delivery.Permanent(fmt.Errorf("http %d: %s", code, trimBody(resp.Body())))
	}
}

func trimBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
