package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	apperrors "pickuprelay/internal/errors"
	"pickuprelay/internal/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sent []interface{}
}

func (s *fakeSession) Send(_ context.Context, msg interface{}) error {
	s.sent = append(s.sent, msg)
	return nil
}

type fakeResolver struct {
	sessions map[string]Session
}

func (r *fakeResolver) ResolveSession(recipientKey string) (Session, bool) {
	s, ok := r.sessions[recipientKey]
	return s, ok
}

type fakeWire struct {
	calls int
}

func (w *fakeWire) EncodeMessage(_ context.Context, payload []byte, _ string, _ []string, _ string) ([]byte, error) {
	w.calls++
	return append([]byte("sealed:"), payload...), nil
}

type failingQueue struct {
	err error
}

func (q *failingQueue) AddMessage(context.Context, string, []byte) error { return q.err }
func (q *failingQueue) HasMessageForKey(context.Context, string) (bool, error) {
	return false, q.err
}
func (q *failingQueue) MessageCountForKey(context.Context, string) (int, error) { return 0, q.err }
func (q *failingQueue) GetMessagesForKey(context.Context, string, int) ([]queue.QueuedMessage, error) {
	return nil, q.err
}
func (q *failingQueue) InspectAllMessagesForKey(context.Context, string) ([]queue.QueuedMessage, error) {
	return nil, q.err
}
func (q *failingQueue) RemoveMessagesForKey(context.Context, string, []string) error { return q.err }

type handlerFixture struct {
	handler  *Handler
	queue    queue.UndeliveredQueue
	resolver *fakeResolver
	wire     *fakeWire
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	q, err := queue.NewInMemory(queue.Config{})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	resolver := &fakeResolver{sessions: map[string]Session{}}
	wire := &fakeWire{}
	return &handlerFixture{
		handler:  NewHandler(q, resolver, wire, logger),
		queue:    q,
		resolver: resolver,
		wire:     wire,
	}
}

func newPickupRequest(messageType string) *Request {
	return &Request{
		BaseMessage: BaseMessage{
			ID:        "req-1",
			Type:      messageType,
			Transport: &TransportDecorator{ReturnRoute: ReturnRouteAll},
		},
	}
}

// Stored payloads in these tests look like encrypted envelopes so the
// handler forwards them untouched.
func sealedPayload(marker string) []byte {
	return []byte(`{"protected":"` + marker + `"}`)
}

func TestStatusRequestEmptyQueue(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := f.handler.Handle(context.Background(), Receipt{SenderKey: "alice"}, newPickupRequest(TypeStatusRequest))
	require.NoError(t, err)

	status, ok := resp.(*Status)
	require.True(t, ok)
	assert.Equal(t, TypeStatus, status.Type)
	assert.Equal(t, 0, status.MessageCount)
	assert.Nil(t, status.TotalSize)
	require.NotNil(t, status.Thread)
	assert.Equal(t, "req-1", status.Thread.ThreadID)
}

func TestStatusRequestCountsAndSizes(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("one")))
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("two")))

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, newPickupRequest(TypeStatusRequest))
	require.NoError(t, err)

	status := resp.(*Status)
	assert.Equal(t, 2, status.MessageCount)
	require.NotNil(t, status.TotalSize)
	assert.Equal(t, len(sealedPayload("one"))+len(sealedPayload("two")), *status.TotalSize)
	require.NotNil(t, status.OldestTime)
	require.NotNil(t, status.NewestTime)
	assert.False(t, status.NewestTime.Before(*status.OldestTime))
}

func TestStatusRequestRecipientKeyOverride(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "bob", sealedPayload("for-bob")))

	req := newPickupRequest(TypeStatusRequest)
	req.RecipientKey = "bob"

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	status := resp.(*Status)
	assert.Equal(t, 1, status.MessageCount)
	assert.Equal(t, "bob", status.RecipientKey)
}

func TestReturnRouteRequired(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("queued")))

	for _, messageType := range []string{
		TypeStatusRequest,
		TypeDeliveryRequest,
		TypeMessagesReceived,
		TypeLiveDeliveryChange,
	} {
		t.Run(messageType, func(t *testing.T) {
			req := newPickupRequest(messageType)
			req.Transport = nil
			req.Limit = 1

			resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
			assert.Nil(t, resp)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeReturnRoute, apperrors.GetCode(err))
		})
	}

	// A violation must not touch the queue either.
	count, err := f.queue.MessageCountForKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReturnRoutePartialValueRejected(t *testing.T) {
	f := newHandlerFixture(t)

	req := newPickupRequest(TypeStatusRequest)
	req.Transport = &TransportDecorator{ReturnRoute: "thread"}

	_, err := f.handler.Handle(context.Background(), Receipt{SenderKey: "alice"}, req)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeReturnRoute, apperrors.GetCode(err))
}

func TestDeliveryRequestEmptyQueueReturnsStatus(t *testing.T) {
	f := newHandlerFixture(t)

	req := newPickupRequest(TypeDeliveryRequest)
	req.Limit = 10

	resp, err := f.handler.Handle(context.Background(), Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	status, ok := resp.(*Status)
	require.True(t, ok, "empty queue answers with a status, not a delivery")
	assert.Equal(t, 0, status.MessageCount)
}

func TestDeliveryRequestInvalidLimit(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("queued")))

	for _, limit := range []int{0, -3} {
		req := newPickupRequest(TypeDeliveryRequest)
		req.Limit = limit

		resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
		assert.Nil(t, resp)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidLimit, apperrors.GetCode(err))
	}
}

func TestDeliveryRequestWithoutSession(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("queued")))

	req := newPickupRequest(TypeDeliveryRequest)
	req.Limit = 1

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)
	assert.Nil(t, resp, "no live session means no delivery and no error")

	count, err := f.queue.MessageCountForKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "message must remain queued")
}

func TestDeliveryDoesNotRemoveMessages(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	payload := sealedPayload("queued")
	require.NoError(t, f.queue.AddMessage(ctx, "alice", payload))
	f.resolver.sessions["alice"] = &fakeSession{}

	req := newPickupRequest(TypeDeliveryRequest)
	req.Limit = 1

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	delivery, ok := resp.(*Delivery)
	require.True(t, ok)
	require.Len(t, delivery.Attachments, 1)
	assert.Equal(t, queue.MessageIdent(payload), delivery.Attachments[0].ID)

	decoded, err := base64.StdEncoding.DecodeString(delivery.Attachments[0].Data.Base64)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	count, err := f.queue.MessageCountForKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "delivery is a peek, not a removal")
}

func TestDeliveryRespectsLimitAndOrder(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	payloads := [][]byte{sealedPayload("a"), sealedPayload("b"), sealedPayload("c")}
	for _, p := range payloads {
		require.NoError(t, f.queue.AddMessage(ctx, "alice", p))
	}
	f.resolver.sessions["alice"] = &fakeSession{}

	req := newPickupRequest(TypeDeliveryRequest)
	req.Limit = 2

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	delivery := resp.(*Delivery)
	require.Len(t, delivery.Attachments, 2)
	assert.Equal(t, queue.MessageIdent(payloads[0]), delivery.Attachments[0].ID)
	assert.Equal(t, queue.MessageIdent(payloads[1]), delivery.Attachments[1].ID)

	count, err := f.queue.MessageCountForKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDeliveryEncodesPlaintextPayloads(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", []byte(`{"note":"plaintext"}`)))
	f.resolver.sessions["alice"] = &fakeSession{}

	req := newPickupRequest(TypeDeliveryRequest)
	req.Limit = 1

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	delivery := resp.(*Delivery)
	require.Len(t, delivery.Attachments, 1)
	assert.Equal(t, 1, f.wire.calls)

	decoded, err := base64.StdEncoding.DecodeString(delivery.Attachments[0].Data.Base64)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "sealed:")
}

func TestMessagesReceivedRemovesAcknowledged(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	first := sealedPayload("first")
	second := sealedPayload("second")
	require.NoError(t, f.queue.AddMessage(ctx, "alice", first))
	require.NoError(t, f.queue.AddMessage(ctx, "alice", second))

	req := newPickupRequest(TypeMessagesReceived)
	req.MessageIDList = []string{queue.MessageIdent(first)}

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	status := resp.(*Status)
	assert.Equal(t, 1, status.MessageCount)

	msgs, err := f.queue.GetMessagesForKey(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, second, msgs[0].Payload)
}

func TestMessagesReceivedUnknownIdentTolerated(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("queued")))

	req := newPickupRequest(TypeMessagesReceived)
	req.MessageIDList = []string{"3yZe7d", "not-queued-either"}

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.(*Status).MessageCount)
}

func TestMessagesReceivedEmptyListIsNoOp(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "alice", sealedPayload("queued")))

	resp, err := f.handler.Handle(ctx, Receipt{SenderKey: "alice"}, newPickupRequest(TypeMessagesReceived))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.(*Status).MessageCount)
}

func TestLiveDeliveryChangeDeclined(t *testing.T) {
	f := newHandlerFixture(t)

	req := newPickupRequest(TypeLiveDeliveryChange)
	req.LiveDelivery = true

	resp, err := f.handler.Handle(context.Background(), Receipt{SenderKey: "alice"}, req)
	require.NoError(t, err)

	status := resp.(*Status)
	require.NotNil(t, status.LiveMode)
	assert.False(t, *status.LiveMode)
}

func TestUnknownMessageType(t *testing.T) {
	f := newHandlerFixture(t)

	req := newPickupRequest(Protocol + "/teleport-request")
	resp, err := f.handler.Handle(context.Background(), Receipt{SenderKey: "alice"}, req)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnknownMessage, apperrors.GetCode(err))
}

func TestStoreErrorsPropagate(t *testing.T) {
	storeErr := errors.New("connection refused")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	handler := NewHandler(&failingQueue{err: storeErr}, &fakeResolver{}, &fakeWire{}, logger)

	for _, messageType := range []string{
		TypeStatusRequest,
		TypeDeliveryRequest,
		TypeMessagesReceived,
		TypeLiveDeliveryChange,
	} {
		t.Run(messageType, func(t *testing.T) {
			req := newPickupRequest(messageType)
			req.Limit = 1
			req.MessageIDList = []string{"ident"}

			resp, err := handler.Handle(context.Background(), Receipt{SenderKey: "alice"}, req)
			assert.Nil(t, resp)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeStoreQuery, apperrors.GetCode(err))
			assert.True(t, errors.Is(err, storeErr))
		})
	}
}

// Full pickup conversation: query, deliver, acknowledge, re-query.
func TestPickupRoundTrip(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	receipt := Receipt{SenderKey: "alice"}
	payload := sealedPayload("round-trip")
	require.NoError(t, f.queue.AddMessage(ctx, "alice", payload))
	f.resolver.sessions["alice"] = &fakeSession{}

	resp, err := f.handler.Handle(ctx, receipt, newPickupRequest(TypeStatusRequest))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.(*Status).MessageCount)

	deliveryReq := newPickupRequest(TypeDeliveryRequest)
	deliveryReq.Limit = 1
	resp, err = f.handler.Handle(ctx, receipt, deliveryReq)
	require.NoError(t, err)
	delivery := resp.(*Delivery)
	require.Len(t, delivery.Attachments, 1)

	ackReq := newPickupRequest(TypeMessagesReceived)
	ackReq.MessageIDList = []string{delivery.Attachments[0].ID}
	resp, err = f.handler.Handle(ctx, receipt, ackReq)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.(*Status).MessageCount)

	resp, err = f.handler.Handle(ctx, receipt, newPickupRequest(TypeStatusRequest))
	require.NoError(t, err)
	assert.Equal(t, 0, resp.(*Status).MessageCount)
}
