// Package metrics holds the Prometheus collectors of the bot. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "trading_bot"

type Metrics struct {
	registry *prometheus.Registry

	tradesTotal   prometheus.Counter
	tradesSuccess prometheus.Counter
	tradesFailed  prometheus.Counter
	tradeAmount   prometheus.Histogram
	tradeDuration prometheus.Histogram
	tradeErrors   *prometheus.CounterVec

	quoteRequests *prometheus.CounterVec
	quoteDuration prometheus.Histogram
	transactions  *prometheus.CounterVec
	limitDecision *prometheus.CounterVec
	sweptTrades   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total", Help: "Trades accepted for execution.",
		}),
		tradesSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_success_total", Help: "Trades confirmed on chain.",
		}),
		tradesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_failed_total", Help: "Trades that ended failed or cancelled.",
		}),
		tradeAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "trade_amount_sol", Help: "SOL volume per completed trade.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
		}),
		tradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "trade_duration_seconds", Help: "Wall time of one execute call.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		tradeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trade_errors_total", Help: "Unexpected trade failures by kind, for alerting.",
		}, []string{"kind"}),
		quoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quote_requests_total", Help: "Calls to the quote/swap API.",
		}, []string{"endpoint", "outcome"}),
		quoteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "quote_request_duration_seconds", Help: "Latency of a single quote/swap API call.",
			Buckets: prometheus.DefBuckets,
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "solana_transactions_total", Help: "Transactions submitted to the network by result.",
		}, []string{"result"}),
		limitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "limit_decisions_total", Help: "Limit guard admissions and rejections.",
		}, []string{"decision"}),
		sweptTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_trades_swept_total", Help: "Trades failed by the stale trade sweeper.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tradesTotal, m.tradesSuccess, m.tradesFailed, m.tradeAmount, m.tradeDuration, m.tradeErrors,
		m.quoteRequests, m.quoteDuration, m.transactions, m.limitDecision, m.sweptTrades,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TradeStarted() {
	if m == nil {
		return
	}
	m.tradesTotal.Inc()
}

func (m *Metrics) TradeCompleted(amountSOL decimal.Decimal, took time.Duration) {
	if m == nil {
		return
	}
	m.tradesSuccess.Inc()
	m.tradeAmount.Observe(amountSOL.InexactFloat64())
	m.tradeDuration.Observe(took.Seconds())
}

func (m *Metrics) TradeFailed(took time.Duration) {
	if m == nil {
		return
	}
	m.tradesFailed.Inc()
	m.tradeDuration.Observe(took.Seconds())
}

// TradeError feeds the error rate signal. Expected outcomes such as limit
// rejections must not be reported here.
func (m *Metrics) TradeError(kind string) {
	if m == nil {
		return
	}
	m.tradeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) QuoteRequest(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.quoteRequests.WithLabelValues(endpoint, outcome).Inc()
	m.quoteDuration.Observe(took.Seconds())
}

func (m *Metrics) Transaction(result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(result).Inc()
}

func (m *Metrics) LimitDecision(admitted bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if admitted {
		decision = "admitted"
	}
	m.limitDecision.WithLabelValues(decision).Inc()
}

func (m *Metrics) TradesSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptTrades.Add(float64(n))
}
