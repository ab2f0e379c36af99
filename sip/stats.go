package sip

import (
	"sync/atomic"
	"time"
)

// StatsReport is a point-in-time copy of the recorded statistics.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transactions TransactionStats `json:"transactions"`
	Dialogs      DialogStats      `json:"dialogs"`
}

type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions int64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions int64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions int64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions int64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
	// Timeouts is a number of transactions terminated by timer B, F or H.
	Timeouts uint64 `json:"timeouts"`
	// TransportFailures is a number of transactions terminated by a transport error.
	TransportFailures uint64 `json:"transport_failures"`
	// Retransmissions is a number of retransmitted requests and responses.
	Retransmissions uint64 `json:"retransmissions"`
}

type DialogStats struct {
	// Active is a number of dialogs that are not terminated.
	Active int64 `json:"active"`
	// Total is a total number of created dialogs.
	Total uint64 `json:"total"`
	// Recoveries is a number of times a dialog entered recovery.
	Recoveries uint64 `json:"recoveries"`
	// Recovered is a number of completed recoveries.
	Recovered uint64 `json:"recovered"`
}

// StatsRecorder records transaction and dialog statistics.
// The zero value is ready to use; a nil recorder records nothing.
type StatsRecorder struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal atomic.Uint64

	timeouts,
	transpFails,
	retrans atomic.Uint64

	dlgsActive atomic.Int64
	dlgsTotal,
	dlgsRecoveries,
	dlgsRecovered atomic.Uint64
}

// Report returns the current statistics.
func (rcdr *StatsRecorder) Report() StatsReport {
	report := StatsReport{Time: time.Now()}
	if rcdr == nil {
		return report
	}

	report.Transactions = TransactionStats{
		InviteClientTransactions:         rcdr.invClnTxs.Load(),
		NonInviteClientTransactions:      rcdr.ninvClnTxs.Load(),
		InviteServerTransactions:         rcdr.invSrvTxs.Load(),
		NonInviteServerTransactions:      rcdr.ninvSrvTxs.Load(),
		InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
		Timeouts:                         rcdr.timeouts.Load(),
		TransportFailures:                rcdr.transpFails.Load(),
		Retransmissions:                  rcdr.retrans.Load(),
	}
	report.Dialogs = DialogStats{
		Active:     rcdr.dlgsActive.Load(),
		Total:      rcdr.dlgsTotal.Load(),
		Recoveries: rcdr.dlgsRecoveries.Load(),
		Recovered:  rcdr.dlgsRecovered.Load(),
	}
	return report
}

func (rcdr *StatsRecorder) txCounters(typ TransactionType) (*atomic.Int64, *atomic.Uint64) {
	switch typ {
	case TransactionTypeClientInvite:
		return &rcdr.invClnTxs, &rcdr.invClnTxsTotal
	case TransactionTypeClientNonInvite:
		return &rcdr.ninvClnTxs, &rcdr.ninvClnTxsTotal
	case TransactionTypeServerInvite:
		return &rcdr.invSrvTxs, &rcdr.invSrvTxsTotal
	default:
		return &rcdr.ninvSrvTxs, &rcdr.ninvSrvTxsTotal
	}
}

func (rcdr *StatsRecorder) txCreated(typ TransactionType) {
	if rcdr == nil {
		return
	}
	active, total := rcdr.txCounters(typ)
	active.Add(1)
	total.Add(1)
}

func (rcdr *StatsRecorder) txTerminated(typ TransactionType, timedOut, transpFailed bool) {
	if rcdr == nil {
		return
	}
	active, _ := rcdr.txCounters(typ)
	active.Add(-1)
	if timedOut {
		rcdr.timeouts.Add(1)
	}
	if transpFailed {
		rcdr.transpFails.Add(1)
	}
}

func (rcdr *StatsRecorder) txRetransmitted() {
	if rcdr == nil {
		return
	}
	rcdr.retrans.Add(1)
}

func (rcdr *StatsRecorder) dialogCreated() {
	if rcdr == nil {
		return
	}
	rcdr.dlgsActive.Add(1)
	rcdr.dlgsTotal.Add(1)
}

func (rcdr *StatsRecorder) dialogTerminated() {
	if rcdr == nil {
		return
	}
	rcdr.dlgsActive.Add(-1)
}

func (rcdr *StatsRecorder) dialogRecovering() {
	if rcdr == nil {
		return
	}
	rcdr.dlgsRecoveries.Add(1)
}

func (rcdr *StatsRecorder) dialogRecovered() {
	if rcdr == nil {
		return
	}
	rcdr.dlgsRecovered.Add(1)
}
