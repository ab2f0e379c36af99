package sip

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports a [StatsRecorder] as Prometheus metrics.
type MetricsCollector struct {
	rcdr *StatsRecorder

	txActive     *prometheus.Desc
	txTotal      *prometheus.Desc
	txTimeouts   *prometheus.Desc
	txTranspErr  *prometheus.Desc
	txRetrans    *prometheus.Desc
	dlgActive    *prometheus.Desc
	dlgTotal     *prometheus.Desc
	dlgRecovery  *prometheus.Desc
	dlgRecovered *prometheus.Desc
}

// NewMetricsCollector creates a collector over the recorder.
// Metric names are prefixed with namespace.
func NewMetricsCollector(namespace string, rcdr *StatsRecorder) *MetricsCollector {
	typeLabel := []string{"type"}
	return &MetricsCollector{
		rcdr: rcdr,
		txActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "active"),
			"Number of active transactions.", typeLabel, nil,
		),
		txTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "created_total"),
			"Total number of created transactions.", typeLabel, nil,
		),
		txTimeouts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "timeouts_total"),
			"Total number of timed out transactions.", nil, nil,
		),
		txTranspErr: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "transport_failures_total"),
			"Total number of transactions terminated by a transport error.", nil, nil,
		),
		txRetrans: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "retransmissions_total"),
			"Total number of retransmitted messages.", nil, nil,
		),
		dlgActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dialogs", "active"),
			"Number of dialogs that are not terminated.", nil, nil,
		),
		dlgTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dialogs", "created_total"),
			"Total number of created dialogs.", nil, nil,
		),
		dlgRecovery: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dialogs", "recoveries_total"),
			"Total number of dialog recoveries started.", nil, nil,
		),
		dlgRecovered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dialogs", "recovered_total"),
			"Total number of dialog recoveries completed.", nil, nil,
		),
	}
}

// Describe implements [prometheus.Collector].
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.txActive
	ch <- c.txTotal
	ch <- c.txTimeouts
	ch <- c.txTranspErr
	ch <- c.txRetrans
	ch <- c.dlgActive
	ch <- c.dlgTotal
	ch <- c.dlgRecovery
	ch <- c.dlgRecovered
}

// Collect implements [prometheus.Collector].
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	rep := c.rcdr.Report()
	txs := rep.Transactions

	active := map[TransactionType]int64{
		TransactionTypeClientInvite:    txs.InviteClientTransactions,
		TransactionTypeClientNonInvite: txs.NonInviteClientTransactions,
		TransactionTypeServerInvite:    txs.InviteServerTransactions,
		TransactionTypeServerNonInvite: txs.NonInviteServerTransactions,
	}
	total := map[TransactionType]uint64{
		TransactionTypeClientInvite:    txs.InviteClientTransactionsTotal,
		TransactionTypeClientNonInvite: txs.NonInviteClientTransactionsTotal,
		TransactionTypeServerInvite:    txs.InviteServerTransactionsTotal,
		TransactionTypeServerNonInvite: txs.NonInviteServerTransactionsTotal,
	}
	for typ, v := range active {
		ch <- prometheus.MustNewConstMetric(c.txActive, prometheus.GaugeValue, float64(v), string(typ))
	}
	for typ, v := range total {
		ch <- prometheus.MustNewConstMetric(c.txTotal, prometheus.CounterValue, float64(v), string(typ))
	}
	ch <- prometheus.MustNewConstMetric(c.txTimeouts, prometheus.CounterValue, float64(txs.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.txTranspErr, prometheus.CounterValue, float64(txs.TransportFailures))
	ch <- prometheus.MustNewConstMetric(c.txRetrans, prometheus.CounterValue, float64(txs.Retransmissions))
	ch <- prometheus.MustNewConstMetric(c.dlgActive, prometheus.GaugeValue, float64(rep.Dialogs.Active))
	ch <- prometheus.MustNewConstMetric(c.dlgTotal, prometheus.CounterValue, float64(rep.Dialogs.Total))
	ch <- prometheus.MustNewConstMetric(c.dlgRecovery, prometheus.CounterValue, float64(rep.Dialogs.Recoveries))
	ch <- prometheus.MustNewConstMetric(c.dlgRecovered, prometheus.CounterValue, float64(rep.Dialogs.Recovered))
}
