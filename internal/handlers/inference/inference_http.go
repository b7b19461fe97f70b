package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"inference-gateway/internal/ctx"
	"inference-gateway/internal/database"
	"inference-gateway/internal/metrics"
	"inference-gateway/internal/relay"
	"inference-gateway/internal/routing"
	"inference-gateway/internal/shared"

	"github.com/labstack/echo/v4"
)

func readRequestBody(c *ctx.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("Failed to read request body", "error", err.Error())
		return nil, errors.Join(shared.ErrInvalidRequest, err)
	}
	return body, nil
}

// respondError writes err as a {"detail": ...} body with the status it
// carries, falling back to 500
func respondError(c *ctx.Context, err error) error {
	c.LogValues.AddError(err)

	var rerr *routing.Error
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode(), shared.ErrorBody{Detail: rerr.Body()})
	}
	var reqErr *shared.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode >= 500 {
			c.LogValues.LogLevel = "ERROR"
		}
		return c.JSON(reqErr.StatusCode, shared.ErrorBody{Detail: reqErr.Message()})
	}
	c.LogValues.LogLevel = "ERROR"
	return c.JSON(http.StatusInternalServerError, shared.ErrorBody{Detail: shared.ErrInternalServer.Message()})
}

func parseChatRequest(body []byte) (*shared.ChatRequest, error) {
	var req shared.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Join(shared.ErrInvalidRequest, err)
	}
	if req.Message == "" {
		return nil, shared.ErrMessageRequired
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, shared.ErrTemperature
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return nil, shared.ErrMaxTokens
	}
	return &req, nil
}

func buildChatBody(req *shared.ChatRequest, model string, stream bool) shared.ChatCompletionRequest {
	var messages []shared.ChatMessage
	if req.System != nil && *req.System != "" {
		messages = append(messages, shared.ChatMessage{Role: "system", Content: *req.System})
	}
	messages = append(messages, shared.ChatMessage{Role: "user", Content: req.Message})
	return shared.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// prepareChat parses, resolves and encodes a chat request
func (im *InferenceHandler) prepareChat(c *ctx.Context, stream bool) (*shared.ChatRequest, routing.Target, []byte, error) {
	body, err := readRequestBody(c)
	if err != nil {
		return nil, routing.Target{}, nil, err
	}
	req, err := parseChatRequest(body)
	if err != nil {
		return nil, routing.Target{}, nil, err
	}
	target, err := im.resolver.Resolve(c.Request().Context(), shared.DerefString(req.Model), shared.DerefString(req.ModelKey))
	if err != nil {
		return nil, routing.Target{}, nil, err
	}
	c.LogValues.RouteKey = target.RouteKey
	c.LogValues.Model = target.Model

	upstreamBody, err := json.Marshal(buildChatBody(req, target.Model, stream))
	if err != nil {
		return nil, routing.Target{}, nil, errors.Join(shared.ErrInternalServer, err)
	}
	return req, target, upstreamBody, nil
}

func (im *InferenceHandler) newExchange(c *ctx.Context, req *shared.ChatRequest, target routing.Target, rawRequest []byte, start time.Time) database.Exchange {
	conversationID := shared.DerefString(req.ConversationID)
	if conversationID == "" {
		conversationID = shared.NewID()
	}
	ex := database.Exchange{
		ConversationID:     conversationID,
		UserMessageID:      shared.NewID(),
		AssistantMessageID: shared.NewID(),
		UserText:           req.Message,
		Model:              target.Model,
		RouteKey:           target.RouteKey,
		SystemPrompt:       req.System,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
		RawRequest:         rawRequest,
		StartedAt:          start.UTC(),
	}
	c.LogValues.ConversationID = ex.ConversationID
	c.LogValues.MessageID = ex.AssistantMessageID
	c.Response().Header().Set(shared.ConversationIDHdr, ex.ConversationID)
	return ex
}

func observeUpstream(target routing.Target, endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		metrics.ErrorCount.WithLabelValues(target.RouteKey, endpoint, shared.MetricsCode(err, "unknown")).Inc()
	}
	metrics.RequestCount.WithLabelValues(target.RouteKey, target.Model, endpoint, status).Inc()
	metrics.RequestDuration.WithLabelValues(target.RouteKey, target.Model, endpoint).Observe(time.Since(start).Seconds())
}

// Chat relays a single non streaming completion and returns the upstream
// body untouched
func (im *InferenceHandler) Chat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	start := time.Now()

	req, target, upstreamBody, err := im.prepareChat(c, false)
	if err != nil {
		return respondError(c, err)
	}
	ex := im.newExchange(c, req, target, upstreamBody, start)

	out, err := im.unary(c.Request().Context(), target.RouteKey, shared.ROUTES.CHAT, c.Reqid, upstreamBody)
	observeUpstream(target, shared.ENDPOINTS.CHAT, start, err)
	if err != nil {
		return respondError(c, err)
	}

	var parsed shared.ChatCompletionResponse
	if err := json.Unmarshal(out, &parsed); err != nil {
		c.Log.Warnw("Upstream completion is not valid json", "error", err)
	}
	if len(parsed.Choices) > 0 {
		ex.AssistantText = parsed.Choices[0].Message.Content
	}
	ex.UpstreamID = parsed.ID
	ex.Usage = parsed.Usage
	ex.RawResponse = out
	ex.CompletedAt = time.Now().UTC()
	if err := im.recorder.RecordExchange(ex); err != nil {
		c.LogValues.AddError(err)
	}

	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, out)
}

func setupSSEHeaders(c *ctx.Context) {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
}

func statusFor(outcome relay.Outcome) string {
	switch outcome {
	case relay.UpstreamExhausted:
		return database.StatusCompleted
	case relay.Timeout:
		return database.StatusTimeout
	case relay.Disconnected:
		return database.StatusDisconnected
	default:
		return database.StatusError
	}
}

// ChatStream relays a streamed completion as an event stream. Failures
// before the first upstream byte become a single error event.
func (im *InferenceHandler) ChatStream(cc echo.Context) error {
	c := cc.(*ctx.Context)
	start := time.Now()
	c.LogValues.Stream = true

	req, target, upstreamBody, err := im.prepareChat(c, true)
	if err != nil {
		return respondError(c, err)
	}
	ex := im.newExchange(c, req, target, upstreamBody, start)

	// Bound the wait for response headers by the total budget; once the
	// stream is open the relay owns the deadline
	reqCtx := c.Request().Context()
	rctx, cancel := context.WithCancel(reqCtx)
	defer cancel()
	timer := time.AfterFunc(im.cfg.TotalTimeout, cancel)
	res, err := im.send(rctx, target.RouteKey, shared.ROUTES.CHAT, c.Reqid, upstreamBody)
	timer.Stop()
	if err != nil {
		observeUpstream(target, shared.ENDPOINTS.CHAT_STREAM, start, err)
		c.LogValues.AddError(err)
		c.LogValues.StreamOutcome = "failed_before_first_byte"
		message := shared.ErrUpstreamGeneric.Message()
		var reqErr *shared.RequestError
		if errors.As(err, &reqErr) {
			message = reqErr.Message()
		}
		setupSSEHeaders(c)
		_, _ = c.Response().Write(relay.ErrorEvent(message))
		c.Response().Flush()
		return nil
	}

	setupSSEHeaders(c)
	result := im.relay.Run(reqCtx, res.Body, c.Response(), func(r relay.Result) {
		ex.AssistantText = r.FinalText
		ex.Status = statusFor(r.Outcome)
		ex.CompletedAt = time.Now().UTC()
		if r.Err != nil {
			ex.ErrorText = r.Err.Error()
		}
		usage := relay.StreamUsage(r.RawLines)
		ex.Usage = usage
		if err := im.recorder.RecordStream(ex, database.StreamArtifact{
			FinalText:   r.FinalText,
			RawLines:    r.RawLines,
			Status:      ex.Status,
			ErrorText:   ex.ErrorText,
			Usage:       usage,
			CompletedAt: ex.CompletedAt,
		}); err != nil {
			c.LogValues.AddError(err)
		}
	})

	c.LogValues.StreamOutcome = result.Outcome.String()
	c.LogValues.TimeToFirst = result.TimeToFirst
	if result.TimeToFirst > 0 {
		metrics.TimeToFirstToken.WithLabelValues(target.RouteKey, target.Model).Observe(result.TimeToFirst.Seconds())
	}
	var streamErr error
	switch result.Outcome {
	case relay.Timeout:
		streamErr = errors.Join(shared.ErrUpstreamTimeout, shared.ErrModelTimeout)
	case relay.Failed:
		streamErr = errors.Join(shared.ErrFailedReadingResponse, result.Err)
	}
	observeUpstream(target, shared.ENDPOINTS.CHAT_STREAM, start, streamErr)
	if streamErr != nil {
		c.LogValues.AddError(streamErr)
		c.LogValues.LogLevel = "ERROR"
	}
	return nil
}

// Embeddings forwards {model, input} to the resolved route
func (im *InferenceHandler) Embeddings(cc echo.Context) error {
	c := cc.(*ctx.Context)
	start := time.Now()

	body, err := readRequestBody(c)
	if err != nil {
		return respondError(c, err)
	}
	var req shared.EmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return respondError(c, errors.Join(shared.ErrInvalidRequest, err))
	}
	if len(bytes.TrimSpace(req.Input)) == 0 || string(bytes.TrimSpace(req.Input)) == "null" {
		return respondError(c, shared.ErrInputRequired)
	}

	target, err := im.resolver.Resolve(c.Request().Context(), shared.DerefString(req.Model), shared.DerefString(req.ModelKey))
	if err != nil {
		return respondError(c, err)
	}
	c.LogValues.RouteKey = target.RouteKey
	c.LogValues.Model = target.Model

	upstreamBody, err := json.Marshal(shared.EmbeddingRequest{Model: target.Model, Input: req.Input})
	if err != nil {
		return respondError(c, fmt.Errorf("failed encoding embeddings body: %w", err))
	}

	out, err := im.unary(c.Request().Context(), target.RouteKey, shared.ROUTES.EMBEDDINGS, c.Reqid, upstreamBody)
	observeUpstream(target, shared.ENDPOINTS.EMBEDDINGS, start, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, out)
}
