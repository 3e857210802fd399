// Package metrics exposes link and listener counters in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "commandlink"

// LinkMetrics counts send attempts and dispatched commands. A nil *LinkMetrics is
// valid and records nothing.
type LinkMetrics struct {
	sendAttempts *prometheus.CounterVec
	messagesSent *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	commands     *prometheus.CounterVec
	listening    *prometheus.GaugeVec
}

// NewLinkMetrics creates the collectors and registers them with reg.
func NewLinkMetrics(reg prometheus.Registerer) *LinkMetrics {
	m := &LinkMetrics{
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Write attempts made by senders, including retries.",
		}, []string{"transport"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages written successfully.",
		}, []string{"transport"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that failed after exhausting their tries or got an ERROR response.",
		}, []string{"transport"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by listeners.",
		}, []string{"command", "status"}),
		listening: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listening",
			Help:      "1 while a listener is running.",
		}, []string{"transport"}),
	}
	if reg != nil {
		reg.MustRegister(m.sendAttempts, m.messagesSent, m.sendFailures, m.commands, m.listening)
	}
	return m
}

func (m *LinkMetrics) SendAttempt(transport string) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(transport).Inc()
}

func (m *LinkMetrics) MessageSent(transport string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(transport).Inc()
}

func (m *LinkMetrics) SendFailure(transport string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(transport).Inc()
}

// Command records one dispatched command. Unregistered names are folded into
// "unknown" to keep label cardinality bounded.
func (m *LinkMetrics) Command(name, status string) {
	if m == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	m.commands.WithLabelValues(name, status).Inc()
}

func (m *LinkMetrics) SetListening(transport string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.listening.WithLabelValues(transport).Set(v)
}
