// Package metrics exposes the agent's operational counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	MessagesEncrypted   prometheus.Counter
	MessagesDecrypted   prometheus.Counter
	DecryptFailures     prometheus.Counter
	SessionsEstablished prometheus.Counter
	ProvisionRuns       *prometheus.CounterVec
	ConversationSync    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_messages_encrypted_total",
			Help: "Messages encrypted for outbound delivery.",
		}),
		MessagesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_messages_decrypted_total",
			Help: "Inbound ciphertexts decrypted successfully.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_decrypt_failures_total",
			Help: "Inbound ciphertexts that failed authentication or decryption.",
		}),
		SessionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_sessions_established_total",
			Help: "Pairwise sessions established, either side.",
		}),
		ProvisionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2ee_provision_runs_total",
			Help: "Device provisioning attempts by outcome.",
		}, []string{"outcome"}),
		ConversationSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2ee_conversation_refreshes_total",
			Help: "Conversation list refreshes by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.MessagesEncrypted,
		m.MessagesDecrypted,
		m.DecryptFailures,
		m.SessionsEstablished,
		m.ProvisionRuns,
		m.ConversationSync,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
