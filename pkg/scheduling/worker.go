package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-ai/gantry/pkg/budget"
	"github.com/gantry-ai/gantry/pkg/conversation"
	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/observe"
	"github.com/gantry-ai/gantry/pkg/routing"
	"github.com/gantry-ai/gantry/pkg/store"
	"github.com/gantry-ai/gantry/pkg/streaming"
)

// errClientGone is the cancellation cause when the multiplexer loses the
// originating client mid-request.
var errClientGone = errors.New("client-disconnect")

// WorkerConfig carries the per-request deadlines.
type WorkerConfig struct {
	// TextDeadline bounds text-route requests, ImageDeadline image and
	// vision routes.
	TextDeadline  time.Duration
	ImageDeadline time.Duration
}

// Worker drives one request at a time through
// load → generate → stream → persist. A pool of N workers shares the queue;
// N is typically the number of engine slots the host can run in parallel.
type Worker struct {
	log        logging.Logger
	id         int
	cfg        WorkerConfig
	queue      *Queue
	orch       *Orchestrator
	router     *routing.Router
	resolver   *routing.Resolver
	builder    *conversation.Builder
	accountant *budget.Accountant
	mux        *streaming.Mux
	repo       store.Repository
	engines    *engines.Set
	// obs is optional; nil disables the instruments.
	obs *observe.Metrics
}

// NewWorker creates one pool worker.
func NewWorker(
	log logging.Logger,
	id int,
	cfg WorkerConfig,
	queue *Queue,
	orch *Orchestrator,
	router *routing.Router,
	resolver *routing.Resolver,
	builder *conversation.Builder,
	accountant *budget.Accountant,
	mux *streaming.Mux,
	repo store.Repository,
	engineSet *engines.Set,
	obs *observe.Metrics,
) *Worker {
	if cfg.TextDeadline <= 0 {
		cfg.TextDeadline = 300 * time.Second
	}
	if cfg.ImageDeadline <= 0 {
		cfg.ImageDeadline = 900 * time.Second
	}
	return &Worker{
		log:        log.WithField("worker", id),
		id:         id,
		cfg:        cfg,
		queue:      queue,
		orch:       orch,
		router:     router,
		resolver:   resolver,
		builder:    builder,
		accountant: accountant,
		mux:        mux,
		repo:       repo,
		engines:    engineSet,
		obs:        obs,
	}
}

// Run dequeues and processes requests until the queue shuts down or ctx
// ends. The current request finishes before the worker exits.
func (w *Worker) Run(ctx context.Context) error {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		w.process(ctx, req)
	}
}

// process drives a single request to a terminal state: Ack with a done
// frame, a requeue, or MarkFailed (whose handler emits the error frame).
func (w *Worker) process(ctx context.Context, req *Request) {
	handle := req.ClientHandle
	w.mux.Send(handle, streaming.Processing(req.ID))

	deadline := w.cfg.TextDeadline
	if req.Hint == HintImage || req.Hint == HintVision {
		deadline = w.cfg.ImageDeadline
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	reqCtx, cancelCause := context.WithCancelCause(reqCtx)
	defer cancelCause(nil)

	// Client disconnects cancel the request through the context; the cause
	// distinguishes them from deadline and shutdown.
	gone := w.mux.Done(handle)
	go func() {
		select {
		case <-gone:
			cancelCause(errClientGone)
		case <-reqCtx.Done():
		}
	}()

	built, err := w.builder.Build(reqCtx, req.ConversationID)
	if err != nil {
		w.fail(req, fmt.Sprintf("loading context: %v", err))
		return
	}

	user, err := w.repo.GetUser(reqCtx, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		w.log.WithError(err).Warnf("user lookup for %s failed, using defaults", req.UserID)
	}

	if built.Summarized && user != nil && user.NotifySummarization {
		w.mux.Send(handle, streaming.Notice("earlier conversation history was summarised to fit the context window"))
	}

	route := w.router.Classify(reqCtx, req.Content, req.Hint)
	resolved := w.resolver.Resolve(routing.Overrides{
		Model:       req.Model,
		Temperature: req.Temperature,
		Thinking:    req.Thinking,
	}, user, route)
	if resolved.Model == "" {
		w.fail(req, "no model available for route "+string(route.Route))
		return
	}

	params := engines.GenerateParams{
		Temperature: resolved.Temperature,
		Thinking:    resolved.Thinking,
	}

	model, err := w.orch.RequestLoad(reqCtx, resolved.Model, params)
	if err != nil {
		w.handleFailure(reqCtx, req, resolved.Model, err)
		return
	}
	// Record the concrete model on the request so the visibility monitor
	// can attribute a synthetic crash if this worker gets stuck.
	req.Model = model
	w.orch.MarkAccessed(model)

	engine, ok := w.engines.ForModel(model)
	if !ok {
		w.fail(req, "no engine registered for "+model)
		return
	}

	w.adjustThinking(w.profileFormat(model), &params)

	messages := append(built.Messages, engines.Message{Role: engines.RoleUser, Content: req.Content})
	stream, err := engine.Generate(reqCtx, model, messages, params)
	if err != nil {
		w.handleFailure(reqCtx, req, model, err)
		return
	}

	var response strings.Builder
	var usage *engines.Usage
	var streamErr error

drain:
	for delta := range stream {
		switch delta.Kind {
		case engines.DeltaText:
			response.WriteString(delta.Text)
			w.mux.Send(handle, streaming.Token(delta.Text))
		case engines.DeltaToolCall:
			w.mux.Send(handle, streaming.ToolStart(delta.ToolName))
			w.mux.Send(handle, streaming.ToolEnd(delta.ToolName))
		case engines.DeltaUsage:
			usage = delta.Usage
		case engines.DeltaError:
			streamErr = delta.Err
			break drain
		}
	}

	if cause := context.Cause(reqCtx); errors.Is(cause, errClientGone) {
		// The client is gone; nobody is listening for frames. The model
		// did nothing wrong, so it stays resident and recently used.
		w.log.Infof("client for request %s disconnected mid-stream", req.ID)
		w.orch.MarkAccessed(model)
		w.queue.MarkFailed(req.ID, errClientGone.Error())
		return
	}
	if streamErr == nil && reqCtx.Err() != nil {
		// The stream closed because the request context died, not because
		// the engine finished; the adapters' terminal error delta can lose
		// the race against the channel close. A truncated exchange must
		// never ack as a success.
		streamErr = engines.NewTimeout(reqCtx.Err())
	}
	if streamErr != nil {
		w.handleFailure(reqCtx, req, model, streamErr)
		return
	}
	if usage == nil {
		usage = &engines.Usage{
			InputTokens:  req.EstimatedTokens,
			OutputTokens: conversation.EstimateTokens(response.String()),
		}
	}

	messageID := w.persist(req, model, response.String(), usage)
	w.accountant.Add(context.WithoutCancel(reqCtx), req.UserID, usage.InputTokens, usage.OutputTokens)
	if w.obs != nil {
		detached := context.WithoutCancel(reqCtx)
		w.obs.Tokens.Add(detached, int64(usage.InputTokens+usage.OutputTokens))
		w.obs.GenerationSeconds.Record(detached, usage.Duration.Seconds())
	}
	w.queue.Ack(req.ID)
	w.mux.Send(handle, streaming.Done(messageID, usage.InputTokens+usage.OutputTokens, usage.Duration, model, nil))
}

// handleFailure routes an error to the crash path (requeue up to the cap)
// or a terminal failure. Cancellation is disambiguated through the context
// cause: a gone client or a shutdown is not an engine crash.
func (w *Worker) handleFailure(ctx context.Context, req *Request, model string, err error) {
	if cause := context.Cause(ctx); errors.Is(cause, errClientGone) {
		w.log.Infof("client for request %s disconnected", req.ID)
		w.queue.MarkFailed(req.ID, errClientGone.Error())
		return
	}
	if errors.Is(err, context.Canceled) {
		w.fail(req, "shutdown")
		return
	}
	if engines.IsCrash(err) {
		w.orch.MarkUnloaded(model, true, err.Error())
		if w.queue.RequeueForRetry(req.ID) {
			w.log.Warnf("request %s crashed on %s, requeued (retry %d): %v", req.ID, model, req.RetryCount, err)
			return
		}
	}
	w.fail(req, err.Error())
}

// fail marks the request terminally failed; the queue's failure handler
// emits the error frame.
func (w *Worker) fail(req *Request, reason string) {
	w.queue.MarkFailed(req.ID, reason)
}

// persist writes the user and assistant messages in order. Per-conversation
// sequence numbers come from the repository; the two appends never overlap
// with another worker's writes for the same conversation because a request
// for a conversation is processed by one worker at a time.
func (w *Worker) persist(req *Request, model, response string, usage *engines.Usage) string {
	// Detached context: a request deadline hit during streaming must not
	// lose the exchange.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userMsg := &store.Message{
		ConversationID: req.ConversationID,
		ID:             uuid.NewString(),
		Role:           store.RoleUser,
		Content:        req.Content,
		InputTokens:    usage.InputTokens,
		CreatedAt:      time.Now(),
	}
	if err := w.repo.AppendMessage(ctx, userMsg); err != nil {
		// Persistence failures never fail the request; the exchange was
		// already streamed to the client.
		w.log.WithError(err).Errorf("persisting user message for %s", req.ID)
	}

	assistantMsg := &store.Message{
		ConversationID: req.ConversationID,
		ID:             uuid.NewString(),
		Role:           store.RoleAssistant,
		Content:        response,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		Model:          model,
		GenerationTime: usage.Duration,
		CreatedAt:      time.Now(),
	}
	if err := w.repo.AppendMessage(ctx, assistantMsg); err != nil {
		w.log.WithError(err).Errorf("persisting assistant message for %s", req.ID)
	}
	return assistantMsg.ID
}

// profileFormat returns the model's thinking format, defaulting to boolean.
func (w *Worker) profileFormat(model string) string {
	if desc, ok := w.orch.manager.Profile().Model(model); ok {
		return string(desc.ThinkingFormat)
	}
	return "boolean"
}

// adjustThinking converts a boolean thinking toggle into the level form for
// models that expect one.
func (w *Worker) adjustThinking(format string, params *engines.GenerateParams) {
	if format != "level" || params.Thinking == nil {
		return
	}
	if *params.Thinking {
		params.ThinkingLevel = "high"
	} else {
		params.ThinkingLevel = "low"
	}
	params.Thinking = nil
}
