package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

// DefaultMaxConcurrency bounds how many users are processed at once.
const DefaultMaxConcurrency = 16

// InboundHandler processes one inbound message. Implemented by *flow.Coordinator.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg models.Response) (flow.Outcome, error)
}

// Compile-time check that the coordinator can consume inbound messages.
var _ InboundHandler = (*flow.Coordinator)(nil)

// ResponseHandler reads inbound messages from every transport, drops
// duplicates and hands the rest to the coordinator. Messages from one user
// are processed in arrival order; different users proceed in parallel.
type ResponseHandler struct {
	handler InboundHandler
	dedup   store.DedupRepo
	sem     chan struct{}

	mu     sync.Mutex
	queues map[string][]models.Response
	wg     sync.WaitGroup
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup drops messages whose provider id was already recorded in repo.
func WithDedup(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithMaxConcurrency overrides DefaultMaxConcurrency.
func WithMaxConcurrency(n int) ResponseHandlerOption {
	return func(rh *ResponseHandler) {
		if n > 0 {
			rh.sem = make(chan struct{}, n)
		}
	}
}

// NewResponseHandler creates a ResponseHandler feeding handler.
func NewResponseHandler(handler InboundHandler, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		handler: handler,
		sem:     make(chan struct{}, DefaultMaxConcurrency),
		queues:  make(map[string][]models.Response),
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse handles one message synchronously.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonical, err := canonicalSender(response)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	return rh.process(ctx, canonical)
}

func (rh *ResponseHandler) process(ctx context.Context, response models.Response) error {
	if rh.dedup != nil && response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, response.MessageID, response.From)
		if err != nil {
			slog.Error("ResponseHandler dedup record failed, processing anyway", "error", err, "messageID", response.MessageID)
		} else if !fresh {
			slog.Info("ResponseHandler dropping duplicate message", "from", response.From, "messageID", response.MessageID)
			return nil
		}
	}

	out, err := rh.handler.HandleInbound(ctx, response)
	if err != nil {
		slog.Error("ResponseHandler handling failed", "error", err, "from", response.From, "outcome", out.Kind)
	} else {
		slog.Debug("ResponseHandler handled message", "from", response.From, "outcome", out.Kind, "channel", response.Channel)
	}

	if rh.dedup != nil && response.MessageID != "" {
		if mErr := rh.dedup.MarkProcessed(ctx, response.MessageID); mErr != nil {
			slog.Warn("ResponseHandler mark processed failed", "error", mErr, "messageID", response.MessageID)
		}
	}
	return err
}

// Dispatch queues a message for asynchronous processing.
func (rh *ResponseHandler) Dispatch(ctx context.Context, response models.Response) {
	canonical, err := canonicalSender(response)
	if err != nil {
		slog.Warn("ResponseHandler dropping message with invalid sender", "error", err, "from", response.From)
		return
	}

	rh.mu.Lock()
	queue, busy := rh.queues[canonical.From]
	rh.queues[canonical.From] = append(queue, canonical)
	if !busy {
		rh.wg.Add(1)
	}
	rh.mu.Unlock()

	if !busy {
		go rh.drain(ctx, canonical.From)
	}
}

// drain processes the queue of one sender until it is empty.
func (rh *ResponseHandler) drain(ctx context.Context, from string) {
	defer rh.wg.Done()
	for {
		rh.mu.Lock()
		queue := rh.queues[from]
		if len(queue) == 0 {
			delete(rh.queues, from)
			rh.mu.Unlock()
			return
		}
		next := queue[0]
		rh.queues[from] = queue[1:]
		rh.mu.Unlock()

		rh.sem <- struct{}{}
		_ = rh.process(ctx, next)
		<-rh.sem
	}
}

// Start consumes the responses and receipts of every service until the
// channels close or ctx is cancelled.
func (rh *ResponseHandler) Start(ctx context.Context, services ...Service) {
	slog.Info("ResponseHandler starting response processing", "services", len(services))
	for _, svc := range services {
		rh.wg.Add(2)
		go rh.consumeResponses(ctx, svc)
		go rh.consumeReceipts(ctx, svc)
	}
}

func (rh *ResponseHandler) consumeResponses(ctx context.Context, svc Service) {
	defer rh.wg.Done()
	for {
		select {
		case response, ok := <-svc.Responses():
			if !ok {
				slog.Debug("ResponseHandler responses channel closed")
				return
			}
			rh.Dispatch(ctx, response)
		case <-ctx.Done():
			return
		}
	}
}

// consumeReceipts keeps the receipt channel drained so sends never wait on it.
func (rh *ResponseHandler) consumeReceipts(ctx context.Context, svc Service) {
	defer rh.wg.Done()
	for {
		select {
		case receipt, ok := <-svc.Receipts():
			if !ok {
				return
			}
			slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until every consumer and queued message has finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// canonicalSender rewrites From to "+<digits>", the form patients are stored under.
func canonicalSender(response models.Response) (models.Response, error) {
	digits, err := CanonicalizePhone(response.From)
	if err != nil {
		return response, err
	}
	response.From = "+" + digits
	return response, nil
}
