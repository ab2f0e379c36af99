package dialog

import "time"

// EnterRecoveryMode moves a confirmed dialog to the recovering state after a transport
// failure or a timeout of an in-dialog transaction.
// A dialog that is already recovering only gets its reason updated.
// It returns true if the dialog entered recovery.
func (d *Dialog) EnterRecoveryMode(reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch State(d.fsm.Current()) {
	case StateConfirmed:
		if d.fire(evtRecover) != nil {
			return false
		}
		d.recoveryReason = reason
		d.recoveryStart = time.Now()
		d.recoveryAttempts = 0
		d.recoveredAt = time.Time{}
		return true
	case StateRecovering:
		d.recoveryReason = reason
	}
	return false
}

// RecordRecoveryAttempt counts one more recovery attempt and returns the new count.
// It does nothing unless the dialog is recovering.
func (d *Dialog) RecordRecoveryAttempt() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if State(d.fsm.Current()) == StateRecovering {
		d.recoveryAttempts++
	}
	return d.recoveryAttempts
}

// CompleteRecovery returns a recovering dialog to the confirmed state.
// It returns false if the dialog was not recovering.
func (d *Dialog) CompleteRecovery() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if State(d.fsm.Current()) != StateRecovering || d.fire(evtRecovered) != nil {
		return false
	}
	d.recoveredAt = time.Now()
	d.recoveryReason = ""
	return true
}

// IsRecovering reports whether the dialog is in the recovering state.
func (d *Dialog) IsRecovering() bool {
	return d.State() == StateRecovering
}

// RecoveryAttempts returns the number of attempts made in the current recovery.
func (d *Dialog) RecoveryAttempts() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoveryAttempts
}

// RecoveryReason returns the reason of the current recovery.
func (d *Dialog) RecoveryReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoveryReason
}

// UpdateRemoteAddress stores the last transport address the remote party answered from
// and stamps the last successful transaction time.
func (d *Dialog) UpdateRemoteAddress(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr != "" {
		d.lastRemoteAddr = addr
	}
	d.lastSuccessAt = time.Now()
}

// LastKnownRemoteAddr returns the address stored by [Dialog.UpdateRemoteAddress].
func (d *Dialog) LastKnownRemoteAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRemoteAddr
}

// MarkTransactionSuccess records the time of the last successful in-dialog transaction.
func (d *Dialog) MarkTransactionSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSuccessAt = time.Now()
}

// clearRecovery drops the recovery bookkeeping, keeping the attempts counter for snapshots.
func (d *Dialog) clearRecovery() {
	d.recoveryReason = ""
}
