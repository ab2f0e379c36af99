// Package transport connects the [sip.Manager] to the network.
package transport

//go:generate errtrace -w .

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/dns"
	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/log"
	"github.com/ghettovoice/sipstack/sip"
)

const maxMsgSize = 65535

const (
	// ErrTransportClosed is returned by [UDP.Serve] and [UDP.Send] after [UDP.Close].
	ErrTransportClosed errorutil.Error = "transport closed"
	// ErrSendTimeout is returned by [UDP.Send] when the write deadline is exceeded.
	ErrSendTimeout errorutil.Error = "send timed out"
)

// TargetResolver resolves the host of a destination to a transport address.
// [dns.Resolver] implements it.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, host string, port uint16, transport string) (netip.AddrPort, error)
}

// Handler receives inbound messages. [sip.Manager] implements it.
type Handler interface {
	HandleMessage(ctx context.Context, msg sip.Message, src, local string) error
}

// UDPOptions are options of [NewUDP].
type UDPOptions struct {
	// SentBy is the "host:port" put into the Via of outgoing requests.
	// If empty, the local address of the connection is used.
	SentBy string
	// Resolver resolves destinations that are not IP literals.
	// If nil, [dns.DefaultResolver] is used.
	Resolver TargetResolver
	// Log is a logger used to log transport events.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *UDPOptions) sentBy() string {
	if o == nil {
		return ""
	}
	return o.SentBy
}

func (o *UDPOptions) resolver() TargetResolver {
	if o == nil || o.Resolver == nil {
		return dns.DefaultResolver()
	}
	return o.Resolver
}

func (o *UDPOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UDP is an unreliable [sip.Transport] over a [net.PacketConn].
type UDP struct {
	conn   net.PacketConn
	laddr  string
	sentBy string
	res    TargetResolver
	log    *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewUDP creates a transport over the connection.
// The transport owns the connection and closes it on [UDP.Close].
func NewUDP(conn net.PacketConn, opts *UDPOptions) (*UDP, error) {
	if conn == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid connection"))
	}

	tp := &UDP{
		conn:   conn,
		laddr:  conn.LocalAddr().String(),
		sentBy: opts.sentBy(),
		res:    opts.resolver(),
		log:    opts.log(),
	}
	if tp.sentBy == "" {
		tp.sentBy = tp.laddr
	}
	return tp, nil
}

// Reliable implements [sip.Transport].
func (*UDP) Reliable() bool { return false }

// ViaTransport implements [sip.ViaProvider].
func (*UDP) ViaTransport() string { return "UDP" }

// SentBy implements [sip.ViaProvider].
func (tp *UDP) SentBy() string { return tp.sentBy }

// LocalAddr returns the local address of the connection.
func (tp *UDP) LocalAddr() string { return tp.laddr }

// Send implements [sip.Transport].
// The host of dst is resolved with the [TargetResolver] unless it is an IP address.
func (tp *UDP) Send(ctx context.Context, data []byte, dst string) error {
	if tp.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}

	raddr, err := tp.resolve(ctx, dst)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if d, ok := ctx.Deadline(); ok {
		if err := tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer tp.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(raddr)); err != nil {
		if errorutil.IsTimeoutErr(err) {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrSendTimeout, err))
		}
		if errorutil.IsNetError(err) {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "failed to send message due to the network error",
				slog.String("local", tp.laddr),
				slog.String("remote", raddr.String()),
				slog.Any("error", err),
			)
		}
		return errtrace.Wrap(err)
	}

	tp.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.String("local", tp.laddr),
		slog.String("remote", raddr.String()),
		slog.Int("size", len(data)),
	)
	return nil
}

func (tp *UDP) resolve(ctx context.Context, dst string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(dst); err == nil {
		return addr, nil
	}

	host, portStr, err := net.SplitHostPort(dst)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid port %q", portStr))
	}
	return errtrace.Wrap2(tp.res.ResolveTarget(ctx, host, uint16(port), "UDP"))
}

// Serve reads datagrams and passes parsed messages to the handler until the context is done
// or the transport is closed. Malformed datagrams are logged and dropped.
func (tp *UDP) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid handler"))
	}

	stop := context.AfterFunc(ctx, func() { tp.Close() })
	defer stop()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the connection", slog.String("local", tp.laddr))
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "serving the connection finished", slog.String("local", tp.laddr))

	var (
		tempDelay time.Duration
		buf       = make([]byte, maxMsgSize)
		parser    = sipmsg.NewParser()
	)
	for {
		n, raddr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			if tp.closing.Load() || errors.Is(err, net.ErrClosed) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTemporaryErr(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				tp.log.LogAttrs(ctx, slog.LevelWarn, "failed to read inbound message due to the temporary error",
					slog.String("local", tp.laddr),
					slog.Any("error", err),
					slog.Duration("retry_after", tempDelay),
				)
				time.Sleep(tempDelay)
				continue
			}
			return errtrace.Wrap(err)
		}
		tempDelay = 0

		msg, err := parser.ParseSIP(buf[:n])
		if err != nil {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "failed to parse inbound message",
				slog.String("remote", raddr.String()),
				slog.Any("error", err),
			)
			continue
		}
		tp.handleMsg(ctx, h, msg, raddr)
	}
}

func (tp *UDP) handleMsg(ctx context.Context, h Handler, msg sip.Message, raddr net.Addr) {
	src := raddr.String()
	if req, ok := msg.(*sip.Request); ok {
		stampVia(req, src)
	}

	if err := h.HandleMessage(ctx, msg, src, tp.laddr); err != nil {
		tp.log.LogAttrs(ctx, slog.LevelDebug, "inbound message rejected",
			slog.String("remote", src),
			slog.Any("error", err),
		)
	}
}

// stampVia adds received and rport to the top Via of an inbound request (RFC 3261 §18.2.1, RFC 3581 §4).
func stampVia(req *sip.Request, src string) {
	via := req.Via()
	if via == nil {
		return
	}
	host, port, err := net.SplitHostPort(src)
	if err != nil {
		return
	}
	if via.Params == nil {
		via.Params = sipmsg.NewParams()
	}
	if ip, err := netip.ParseAddr(via.Host); err != nil || ip.String() != host {
		via.Params.Add("received", host)
	}
	if _, ok := via.Params.Get("rport"); ok {
		via.Params.Add("rport", port)
	}
}

// Close closes the connection. Serve returns [ErrTransportClosed] afterwards.
func (tp *UDP) Close() error {
	tp.closeOnce.Do(func() {
		tp.closing.Store(true)
		tp.closeErr = tp.conn.Close()
	})
	return errtrace.Wrap(tp.closeErr)
}
