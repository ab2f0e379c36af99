package sip

import (
	"log/slog"
	"time"

	"github.com/ghettovoice/sipstack/dialog"
)

// EventType is the type of an [Event].
type EventType string

const (
	// EventProvisionalReceived is a 1xx response passed by a client transaction.
	EventProvisionalReceived EventType = "provisional_received"
	// EventFinalResponseReceived is a 2xx-6xx response passed by a client transaction.
	// Retransmitted 2xx responses to an INVITE are reported only with [ManagerOptions.ManualAck].
	EventFinalResponseReceived EventType = "final_response_received"
	// EventRequestReceived is a new request that created a server transaction.
	EventRequestReceived EventType = "request_received"
	// EventTransactionTimeout is reported once when timer B, F or H fires.
	EventTransactionTimeout EventType = "transaction_timeout"
	// EventTransportFailure is reported once when the transport fails to send a message of a transaction.
	EventTransportFailure EventType = "transport_failure"
	// EventDialogEstablished is reported when a dialog reaches the confirmed state.
	EventDialogEstablished EventType = "dialog_established"
	// EventDialogTerminated is reported once when a dialog is terminated.
	EventDialogTerminated EventType = "dialog_terminated"
	// EventAckReceived is an ACK for a 2xx response.
	EventAckReceived EventType = "ack_received"
)

// Event is a notification for the transaction user.
type Event struct {
	Type EventType
	Time time.Time
	// Key is the transaction the event belongs to, zero for dialog events.
	Key TransactionKey
	// DialogID is set on dialog events and on transaction events within a dialog.
	DialogID dialog.ID
	Request  *Request
	Response *Response
	// Source and Local are the transport addresses of an inbound message.
	Source string
	Local  string
	// Reason is set on [EventDialogTerminated].
	Reason string
	// Err is set on [EventTransactionTimeout] and [EventTransportFailure].
	Err error
}

// LogValue implements [slog.LogValuer].
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(e.Type))}
	if !e.Key.IsZero() {
		attrs = append(attrs, slog.Any("transaction", e.Key))
	}
	if !e.DialogID.IsZero() {
		attrs = append(attrs, slog.Any("dialog", e.DialogID))
	}
	if e.Request != nil {
		attrs = append(attrs, slog.String("method", string(e.Request.Method)))
	}
	if e.Response != nil {
		attrs = append(attrs, slog.Int("status", e.Response.StatusCode))
	}
	if e.Source != "" {
		attrs = append(attrs, slog.String("source", e.Source))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	return slog.GroupValue(attrs...)
}
