package protocol

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Protocol is the messagepickup protocol family this handler speaks.
const Protocol = "https://didcomm.org/messagepickup/2.0"

// Message types, inbound and outbound.
const (
	TypeStatusRequest      = Protocol + "/status-request"
	TypeStatus             = Protocol + "/status"
	TypeDeliveryRequest    = Protocol + "/delivery-request"
	TypeDelivery           = Protocol + "/delivery"
	TypeMessagesReceived   = Protocol + "/messages-received"
	TypeLiveDeliveryChange = Protocol + "/live-delivery-change"
)

// ReturnRouteAll is the transport decorator value a requester must declare
// before any of the pickup messages will be handled.
const ReturnRouteAll = "all"

// Thread carries DIDComm thread correlation.
type Thread struct {
	ThreadID       string `json:"thid,omitempty"`
	ParentThreadID string `json:"pthid,omitempty"`
}

// TransportDecorator is the ~transport decorator on inbound messages.
type TransportDecorator struct {
	ReturnRoute string `json:"return_route,omitempty"`
}

// BaseMessage holds the envelope fields shared by every pickup message.
type BaseMessage struct {
	ID        string              `json:"@id"`
	Type      string              `json:"@type"`
	Thread    *Thread             `json:"~thread,omitempty"`
	Transport *TransportDecorator `json:"~transport,omitempty"`
}

// NewBaseMessage creates an outbound envelope of the given type.
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{ID: uuid.NewString(), Type: messageType}
}

// ThreadID returns the message's thread id, falling back to its own id.
func (m *BaseMessage) ThreadID() string {
	if m.Thread != nil && m.Thread.ThreadID != "" {
		return m.Thread.ThreadID
	}
	return m.ID
}

// AssignThreadFrom threads this message as a reply to req.
func (m *BaseMessage) AssignThreadFrom(req *Request) {
	m.Thread = &Thread{ThreadID: req.ThreadID()}
	if req.Thread != nil && req.Thread.ParentThreadID != "" {
		m.Thread.ParentThreadID = req.Thread.ParentThreadID
	}
}

// ReturnRouteAll reports whether the sender declared a live return channel.
func (m *BaseMessage) ReturnRouteAll() bool {
	return m.Transport != nil && m.Transport.ReturnRoute == ReturnRouteAll
}

// Request is the decoded form of any inbound pickup message. The fields
// beyond the envelope are populated per message type.
type Request struct {
	BaseMessage

	// status-request, delivery-request: optional recipient key override
	RecipientKey string `json:"recipient_key,omitempty"`
	// delivery-request
	Limit int `json:"limit,omitempty"`
	// messages-received
	MessageIDList []string `json:"message_id_list,omitempty"`
	// live-delivery-change
	LiveDelivery bool `json:"live_delivery,omitempty"`
}

// Status reports the state of a recipient's queue.
type Status struct {
	BaseMessage

	MessageCount   int        `json:"message_count"`
	RecipientKey   string     `json:"recipient_key,omitempty"`
	DurationWaited *int       `json:"duration_waited,omitempty"`
	NewestTime     *time.Time `json:"newest_time,omitempty"`
	OldestTime     *time.Time `json:"oldest_time,omitempty"`
	TotalSize      *int       `json:"total_size,omitempty"`
	LiveMode       *bool      `json:"live_mode,omitempty"`
}

// NewStatus creates a Status reply.
func NewStatus(count int) *Status {
	return &Status{BaseMessage: NewBaseMessage(TypeStatus), MessageCount: count}
}

// Attachment is one queued payload delivered to the recipient, tagged with
// the message identity the recipient must echo back to acknowledge it.
type Attachment struct {
	ID       string         `json:"@id"`
	MimeType string         `json:"mime-type,omitempty"`
	Data     AttachmentData `json:"data"`
}

// AttachmentData carries the base64-encoded payload.
type AttachmentData struct {
	Base64 string `json:"base64"`
}

// NewAttachment wraps a payload for delivery.
func NewAttachment(ident string, payload []byte) Attachment {
	return Attachment{
		ID:       ident,
		MimeType: "application/didcomm-encrypted+json",
		Data:     AttachmentData{Base64: base64.StdEncoding.EncodeToString(payload)},
	}
}

// ProblemReport tells a requester its message was rejected and why.
type ProblemReport struct {
	BaseMessage

	Description ProblemDescription `json:"description"`
}

// ProblemDescription is the human-readable part of a problem report.
type ProblemDescription struct {
	En string `json:"en"`
}

// TypeProblemReport is the report-problem message sent for rejected requests.
const TypeProblemReport = "https://didcomm.org/report-problem/1.0/problem-report"

// NewProblemReport creates a problem report threaded to the rejected
// message. threadID may be empty when the offending message could not be
// decoded at all.
func NewProblemReport(threadID, reason string) *ProblemReport {
	report := &ProblemReport{
		BaseMessage: NewBaseMessage(TypeProblemReport),
		Description: ProblemDescription{En: reason},
	}
	if threadID != "" {
		report.Thread = &Thread{ThreadID: threadID}
	}
	return report
}

// Delivery carries a bounded batch of queued messages to the recipient.
type Delivery struct {
	BaseMessage

	RecipientKey string       `json:"recipient_key,omitempty"`
	Attachments  []Attachment `json:"~attach"`
}

// NewDelivery creates a Delivery reply.
func NewDelivery(recipientKey string, attachments []Attachment) *Delivery {
	return &Delivery{
		BaseMessage:  NewBaseMessage(TypeDelivery),
		RecipientKey: recipientKey,
		Attachments:  attachments,
	}
}
