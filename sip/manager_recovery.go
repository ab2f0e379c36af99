package sip

import (
	"context"
	"log/slog"
	"time"

	"github.com/ghettovoice/sipstack/dialog"
)

const defRecoveryAttempts = 3

// RecoveryProbeOptions configures OPTIONS probing of recovering dialogs.
type RecoveryProbeOptions struct {
	// Interval is the pause before each probe.
	Interval time.Duration
	// MaxAttempts is the number of probes after which a dialog that is still
	// recovering is terminated. Default is 3.
	MaxAttempts uint32
}

func (o *RecoveryProbeOptions) maxAttempts() uint32 {
	if o == nil || o.MaxAttempts == 0 {
		return defRecoveryAttempts
	}
	return o.MaxAttempts
}

// enterRecovery moves a confirmed dialog to the recovering state after a failed
// in-dialog client transaction and starts probing if it is enabled.
func (m *Manager) enterRecovery(ctx context.Context, d *dialog.Dialog, cause error) {
	if !d.EnterRecoveryMode(causeReason(cause)) {
		return
	}
	m.stats.dialogRecovering()

	m.log.LogAttrs(ctx, slog.LevelInfo, "dialog entered recovery",
		slog.Any("dialog", d),
		slog.String("reason", d.RecoveryReason()),
	)

	rp := m.opts.recoveryProbe()
	if rp == nil {
		return
	}
	id := d.ID()
	if _, loaded := m.probes.GetOrSet(id, struct{}{}); loaded {
		return
	}
	if !m.goBg(func() { m.probeDialog(d, rp) }) {
		m.probes.Del(id)
	}
}

// probeDialog sends in-dialog OPTIONS to the last known remote address until the
// dialog leaves the recovering state or the attempts are exhausted.
func (m *Manager) probeDialog(d *dialog.Dialog, rp *RecoveryProbeOptions) {
	id := d.ID()
	defer m.probes.Del(id)

	ctx := context.Background()
	tmr := time.NewTimer(rp.Interval)
	defer tmr.Stop()

	for {
		select {
		case <-tmr.C:
		case <-m.closing:
			return
		}

		if !d.IsRecovering() {
			return
		}
		if d.RecoveryAttempts() >= rp.maxAttempts() {
			m.log.LogAttrs(ctx, slog.LevelInfo, "dialog recovery failed",
				slog.Any("dialog", d),
				slog.Uint64("attempts", uint64(d.RecoveryAttempts())),
			)
			m.terminateDialog(ctx, d, "recovery failed")
			return
		}

		n := d.RecordRecoveryAttempt()
		req, err := d.BuildRequest(OPTIONS)
		if err != nil {
			return
		}
		dst := d.LastKnownRemoteAddr()

		m.log.LogAttrs(ctx, slog.LevelDebug, "send recovery probe",
			slog.Any("dialog", d),
			slog.Uint64("attempt", uint64(n)),
			slog.String("remote", dst),
		)

		if _, err := m.SendRequest(ctx, req, &SendRequestOptions{Destination: dst}); err != nil {
			m.log.LogAttrs(ctx, slog.LevelDebug, "failed to send recovery probe", slog.Any("dialog", d), slog.Any("error", err))
		}
		tmr.Reset(rp.Interval)
	}
}
