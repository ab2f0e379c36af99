package sip

import "context"

// Transport sends encoded SIP messages.
//
// Inbound messages are not read by the transaction layer: the transport adapter
// parses them and passes them to [Manager.HandleMessage].
type Transport interface {
	// Send writes the message to the destination given as "host:port".
	Send(ctx context.Context, data []byte, dst string) error
	// Reliable reports whether the transport is reliable (TCP, TLS, SCTP).
	// Retransmission timers are not armed on reliable transports.
	Reliable() bool
}

// ViaProvider is implemented by transports that can describe themselves in a Via header.
// The [Manager] uses it to add the top Via to outgoing requests that have none.
type ViaProvider interface {
	// ViaTransport returns the Via transport token, e.g. "UDP".
	ViaTransport() string
	// SentBy returns the Via sent-by value as "host:port".
	SentBy() string
}

// SendRequestOptions are options of [Manager.SendRequest].
type SendRequestOptions struct {
	// Destination overrides the next hop address ("host:port").
	// If empty, it is taken from the first loose Route or the Request-URI.
	Destination string
}

func (o *SendRequestOptions) destination() string {
	if o == nil {
		return ""
	}
	return o.Destination
}
