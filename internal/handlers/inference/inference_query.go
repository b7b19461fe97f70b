package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"

	"inference-gateway/internal/shared"
)

var passthroughStatuses = []int{400, 401, 403, 404, 409, 422}

// send POSTs body to path on the route. Non-2xx replies and transport
// failures come back as a *shared.RequestError joined with the cause.
func (im *InferenceHandler) send(ctx context.Context, routeKey, path, requestID string, body []byte) (*http.Response, error) {
	client, err := im.registry.Client(routeKey)
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServer, err)
	}
	url, err := im.registry.URL(routeKey, path)
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServer, err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(&shared.RequestError{
			StatusCode: 400,
			Err:        errors.New("failed building request"),
		}, err)
	}
	headers := map[string]string{
		"Content-Type":         "application/json",
		"Connection":           "keep-alive",
		shared.RequestIDHeader: requestID,
	}
	for key, value := range headers {
		r.Header.Set(key, value)
	}

	res, err := client.Do(r)
	if err != nil {
		return nil, mapUpstreamError(err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer func() {
			_ = res.Body.Close()
		}()
		return nil, statusError(res)
	}
	return res, nil
}

// mapUpstreamError translates a transport failure into the caller facing
// status: timeouts are 504, refused connections and anything else 502
func mapUpstreamError(err error) error {
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return errors.Join(shared.ErrUpstreamTimeout, shared.ErrModelTimeout, err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return errors.Join(shared.ErrUpstreamConnect, shared.ErrFailedModelReq, err)
	default:
		return errors.Join(shared.ErrUpstreamGeneric, shared.ErrFailedModelReq, err)
	}
}

func statusError(res *http.Response) error {
	if slices.Contains(passthroughStatuses, res.StatusCode) {
		text, _ := io.ReadAll(io.LimitReader(res.Body, shared.MaxErrorBodyBytes+1))
		return errors.Join(&shared.RequestError{
			StatusCode: res.StatusCode,
			Err:        errors.New(shared.Truncate(string(text), shared.MaxErrorBodyBytes)),
		}, shared.ErrFailedModelReqFromCode)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return errors.Join(&shared.RequestError{
		StatusCode: http.StatusBadGateway,
		Err:        fmt.Errorf("Upstream error: %d", res.StatusCode),
	}, shared.ErrFailedModelReqFromCode)
}

// unary runs a complete upstream call detached from the caller's
// cancellation and bounded by the total timeout
func (im *InferenceHandler) unary(parent context.Context, routeKey, path, requestID string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), im.cfg.TotalTimeout)
	defer cancel()

	res, err := im.send(ctx, routeKey, path, requestID, body)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			im.Log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Join(mapUpstreamError(err), shared.ErrFailedReadingResponse)
	}
	return out, nil
}
