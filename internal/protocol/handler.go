package protocol

import (
	"context"
	"fmt"

	"pickuprelay/internal/errors"
	"pickuprelay/internal/metrics"
	"pickuprelay/internal/privacy"
	"pickuprelay/internal/queue"
	"pickuprelay/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Handler implements the server side of the messagepickup/2.0 protocol:
// status queries, bounded delivery, and acknowledgement-driven removal.
//
// Each inbound message is a one-shot request/response. The handler owns no
// session state; it borrows the queue through the UndeliveredQueue interface
// and receives its collaborators at construction.
type Handler struct {
	queue    queue.UndeliveredQueue
	sessions SessionResolver
	wire     WireFormat
	logger   *logrus.Logger
}

// NewHandler creates a protocol handler with explicit collaborators.
func NewHandler(q queue.UndeliveredQueue, sessions SessionResolver, wire WireFormat, logger *logrus.Logger) *Handler {
	return &Handler{
		queue:    q,
		sessions: sessions,
		wire:     wire,
		logger:   logger,
	}
}

// Handle dispatches one inbound pickup message and returns the reply to
// send on the requester's return route, or nil when no reply should be
// sent. A protocol violation is returned as an error and produces no reply
// and no queue mutation.
func (h *Handler) Handle(ctx context.Context, receipt Receipt, req *Request) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, "pickup.handle",
		attribute.String("pickup.message_type", req.Type),
	)
	defer span.End()

	metrics.IncrementCounter("pickup_requests_total", map[string]string{
		"type": req.Type,
	}, "Total pickup protocol requests")

	var (
		resp interface{}
		err  error
	)
	switch req.Type {
	case TypeStatusRequest:
		resp, err = h.handleStatusRequest(ctx, receipt, req)
	case TypeDeliveryRequest:
		resp, err = h.handleDeliveryRequest(ctx, receipt, req)
	case TypeMessagesReceived:
		resp, err = h.handleMessagesReceived(ctx, receipt, req)
	case TypeLiveDeliveryChange:
		resp, err = h.handleLiveDeliveryChange(ctx, receipt, req)
	default:
		err = errors.New(errors.ErrCodeUnknownMessage, fmt.Sprintf("unsupported message type %q", req.Type))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return resp, err
}

// recipientKey resolves the queue partition for a request: an explicit
// recipient_key field overrides the authenticated sender key.
func (h *Handler) recipientKey(receipt Receipt, req *Request) string {
	if req.RecipientKey != "" {
		return req.RecipientKey
	}
	return receipt.SenderKey
}

func (h *Handler) requireReturnRoute(req *Request, messageType string) error {
	if !req.ReturnRouteAll() {
		return errors.NewProtocolError(messageType, "missing or non-all return_route")
	}
	return nil
}

func (h *Handler) handleStatusRequest(ctx context.Context, receipt Receipt, req *Request) (*Status, error) {
	if err := h.requireReturnRoute(req, "status-request"); err != nil {
		return nil, err
	}
	key := h.recipientKey(receipt, req)

	stats, err := queue.StatsForKey(ctx, h.queue, key)
	if err != nil {
		return nil, errors.NewStoreError("status", err)
	}

	h.logger.WithFields(logrus.Fields{
		"recipient_key": privacy.MaskRecipientKey(key),
		"message_count": stats.Count,
	}).Debug("Answering status request")

	status := NewStatus(stats.Count)
	status.AssignThreadFrom(req)
	status.RecipientKey = req.RecipientKey
	if stats.Count > 0 {
		status.TotalSize = &stats.TotalSize
		oldest, newest := stats.Oldest, stats.Newest
		status.OldestTime = &oldest
		status.NewestTime = &newest
	}
	return status, nil
}

func (h *Handler) handleDeliveryRequest(ctx context.Context, receipt Receipt, req *Request) (interface{}, error) {
	if err := h.requireReturnRoute(req, "delivery-request"); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		return nil, errors.NewLimitError(req.Limit)
	}
	key := h.recipientKey(receipt, req)

	has, err := h.queue.HasMessageForKey(ctx, key)
	if err != nil {
		return nil, errors.NewStoreError("delivery", err)
	}
	if !has {
		// A zero-count Status distinguishes "nothing to deliver" from a
		// Delivery with zero attachments.
		status := NewStatus(0)
		status.AssignThreadFrom(req)
		status.RecipientKey = req.RecipientKey
		return status, nil
	}

	if _, ok := h.sessions.ResolveSession(key); !ok {
		h.logger.WithField("recipient_key", privacy.MaskRecipientKey(key)).
			Warn("No session available to deliver messages as requested")
		return nil, nil
	}

	msgs, err := h.queue.GetMessagesForKey(ctx, key, req.Limit)
	if err != nil {
		return nil, errors.NewStoreError("delivery", err)
	}

	attachments := make([]Attachment, 0, len(msgs))
	for _, msg := range msgs {
		payload := msg.Payload
		// Payloads queued by the relay itself may still be plaintext;
		// forwarded messages always arrive encrypted.
		if !payloadEncrypted(payload) && h.wire != nil {
			payload, err = h.wire.EncodeMessage(ctx, payload, key, nil, receipt.RecipientKey)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeWireFormat, "failed to encode queued payload")
			}
		}
		attachments = append(attachments, NewAttachment(msg.Ident, payload))
	}

	metrics.AddToCounter("pickup_messages_delivered_total", float64(len(attachments)), nil,
		"Messages handed to a live session for delivery")
	h.logger.WithFields(logrus.Fields{
		"recipient_key": privacy.MaskRecipientKey(key),
		"attachments":   len(attachments),
		"limit":         req.Limit,
	}).Info("Delivering queued messages")

	// Messages stay queued until the recipient acknowledges them; the
	// in-flight send can still fail after this handler returns.
	delivery := NewDelivery(req.RecipientKey, attachments)
	delivery.AssignThreadFrom(req)
	return delivery, nil
}

func (h *Handler) handleMessagesReceived(ctx context.Context, receipt Receipt, req *Request) (*Status, error) {
	if err := h.requireReturnRoute(req, "messages-received"); err != nil {
		return nil, err
	}
	key := h.recipientKey(receipt, req)

	if len(req.MessageIDList) > 0 {
		if err := h.queue.RemoveMessagesForKey(ctx, key, req.MessageIDList); err != nil {
			return nil, errors.NewStoreError("acknowledge", err)
		}
		metrics.AddToCounter("pickup_messages_acknowledged_total", float64(len(req.MessageIDList)), nil,
			"Message identities acknowledged by recipients")
	}

	count, err := h.queue.MessageCountForKey(ctx, key)
	if err != nil {
		return nil, errors.NewStoreError("acknowledge", err)
	}

	h.logger.WithFields(logrus.Fields{
		"recipient_key": privacy.MaskRecipientKey(key),
		"acknowledged":  len(req.MessageIDList),
		"remaining":     count,
	}).Debug("Processed message acknowledgement")

	status := NewStatus(count)
	status.AssignThreadFrom(req)
	return status, nil
}

// handleLiveDeliveryChange declines live mode: the relay serves queued
// batches only. The reply is a Status echoing live_mode false rather than
// an error, so clients probing for the capability degrade gracefully.
func (h *Handler) handleLiveDeliveryChange(ctx context.Context, receipt Receipt, req *Request) (*Status, error) {
	if err := h.requireReturnRoute(req, "live-delivery-change"); err != nil {
		return nil, err
	}
	key := h.recipientKey(receipt, req)

	count, err := h.queue.MessageCountForKey(ctx, key)
	if err != nil {
		return nil, errors.NewStoreError("live-delivery-change", err)
	}

	if req.LiveDelivery {
		h.logger.WithField("recipient_key", privacy.MaskRecipientKey(key)).
			Info("Declining live delivery request; live mode is not supported")
	}

	liveMode := false
	status := NewStatus(count)
	status.AssignThreadFrom(req)
	status.LiveMode = &liveMode
	return status, nil
}
