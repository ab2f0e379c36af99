// Command sipstackd is a minimal SIP user agent over UDP built on the transaction and dialog layers.
//
// It answers OPTIONS with 200, rejects INVITE with 486 unless auto-answer is enabled,
// answers requests within dialogs with 200 and logs every event.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ghettovoice/sipstack/log"
	"github.com/ghettovoice/sipstack/sip"
	"github.com/ghettovoice/sipstack/transport"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "sipstackd",
		Usage: "SIP user agent built on the RFC 3261 transaction and dialog layers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SIPSTACKD_CONFIG"},
			},
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "local UDP `ADDRESS`"},
			&cli.StringFlag{Name: "sent-by", Usage: "host:port put into the Via header"},
			&cli.BoolFlag{Name: "auto-answer", Usage: "answer INVITE with 200 instead of 486"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "HTTP `ADDRESS` of the /metrics endpoint"},
			&cli.StringFlag{Name: "nameserver", Usage: "DNS server used to resolve next hops"},
			&cli.StringFlag{Name: "log-file", Usage: "log file name, logs go to stderr if empty"},
			&cli.StringFlag{Name: "log-level", Usage: "one of: debug, info, warn, error"},
			&cli.StringFlag{Name: "log-format", Usage: "one of: console, dev, json"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:      "ping",
				Usage:     "send OPTIONS to a SIP URI and print the response",
				ArgsUsage: "URI",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "wait at most `DURATION` for the answer"},
				},
				Action: ping,
			},
		},
	}
}

func configFromContext(c *cli.Context) (*Config, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	cfg.applyFlags(c)
	if err := cfg.validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := configFromContext(c)
	if err != nil {
		return errtrace.Wrap(err)
	}
	logger, logOut, err := cfg.newLogger()
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer logOut.Close()
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("listen %s: %w", cfg.Listen, err))
	}
	tp, err := transport.NewUDP(conn, &transport.UDPOptions{
		SentBy:   cfg.SentBy,
		Resolver: cfg.resolver(),
		Log:      logger,
	})
	if err != nil {
		conn.Close()
		return errtrace.Wrap(err)
	}

	stats := new(sip.StatsRecorder)
	m, err := sip.NewManager(tp, cfg.managerOptions(stats, logger))
	if err != nil {
		tp.Close()
		return errtrace.Wrap(err)
	}

	a, err := newAgent(m, tp.SentBy(), cfg.AutoAnswer, logger)
	if err != nil {
		tp.Close()
		return errtrace.Wrap(err)
	}
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		a.run(ctx)
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, stats)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("sipstackd started", "listen", tp.LocalAddr(), "sent_by", tp.SentBy(), "auto_answer", cfg.AutoAnswer)
	serveErr := tp.Serve(ctx, m)
	if errors.Is(serveErr, transport.ErrTransportClosed) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown metrics server", "error", err)
		}
	}
	if err := m.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close manager", "error", err)
	}
	<-agentDone

	logger.Info("sipstackd stopped", "stats", stats.Report())
	return errtrace.Wrap(serveErr)
}

func newMetricsServer(cfg MetricsConfig, stats *sip.StatsRecorder) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(sip.NewMetricsCollector(cfg.Namespace, stats))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func ping(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("ping requires exactly one URI argument", 2)
	}
	var target sipmsg.Uri
	if err := sipmsg.ParseUri(c.Args().First(), &target); err != nil {
		return errtrace.Wrap(fmt.Errorf("invalid URI %q: %w", c.Args().First(), err))
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return errtrace.Wrap(err)
	}
	cfg.applyFlags(c)
	if !c.IsSet("listen") {
		cfg.Listen = "0.0.0.0:0"
	}
	logger, logOut, err := cfg.newLogger()
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer logOut.Close()

	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("listen %s: %w", cfg.Listen, err))
	}
	tp, err := transport.NewUDP(conn, &transport.UDPOptions{SentBy: cfg.SentBy, Resolver: cfg.resolver(), Log: logger})
	if err != nil {
		conn.Close()
		return errtrace.Wrap(err)
	}
	m, err := sip.NewManager(tp, &sip.ManagerOptions{Timings: cfg.Timings, Log: logger})
	if err != nil {
		tp.Close()
		return errtrace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	go tp.Serve(ctx, m) //nolint:errcheck
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		m.Close(closeCtx) //nolint:errcheck
		tp.Close()
	}()

	req, err := newPing(target, tp.SentBy())
	if err != nil {
		return errtrace.Wrap(err)
	}
	start := time.Now()
	key, err := m.SendRequest(ctx, req, nil)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("send OPTIONS: %w", err))
	}

	for {
		select {
		case evt := <-m.Events():
			if evt.Key != key {
				continue
			}
			switch evt.Type {
			case sip.EventFinalResponseReceived:
				fmt.Fprintf(c.App.Writer, "%d %s from %s in %v\n",
					evt.Response.StatusCode, evt.Response.Reason, evt.Source, time.Since(start).Round(time.Millisecond))
				return nil
			case sip.EventTransactionTimeout, sip.EventTransportFailure:
				return errtrace.Wrap(fmt.Errorf("ping %s: %w", target.String(), evt.Err))
			}
		case <-ctx.Done():
			return errtrace.Wrap(fmt.Errorf("ping %s: %w", target.String(), ctx.Err()))
		}
	}
}

// newPing builds an out-of-dialog OPTIONS request to the target.
func newPing(target sipmsg.Uri, sentBy string) (*sip.Request, error) {
	var from sipmsg.Uri
	if err := sipmsg.ParseUri("sip:sipstackd@"+sentBy, &from); err != nil {
		return nil, errtrace.Wrap(err)
	}

	req := sipmsg.NewRequest(sip.OPTIONS, target)
	req.AppendHeader(&sipmsg.FromHeader{Address: from, Params: sipmsg.NewParams().Add("tag", sip.NewTag())})
	req.AppendHeader(&sipmsg.ToHeader{Address: target, Params: sipmsg.NewParams()})
	callID := sipmsg.CallIDHeader(sip.NewCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	maxFwd := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sipmsg.ContactHeader{Address: from})
	req.SetBody(nil)
	return req, nil
}
