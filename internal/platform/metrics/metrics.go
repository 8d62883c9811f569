// Package metrics registers the crypto-core instrumentation on the default
// prometheus registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StorageDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aithena_securestore_degraded",
		Help: "1 when the secure store has fallen back to in-memory mode.",
	})

	MessageEncryptOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aithena_message_encrypt_total",
		Help: "Messages sealed with the conversation key.",
	})

	MessageDecryptOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aithena_message_decrypt_total",
		Help: "Messages opened with the conversation key.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aithena_aead_auth_failures_total",
		Help: "AEAD opens rejected because the tag did not verify.",
	})

	ServerKeyFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aithena_server_key_fetch_total",
		Help: "Server public key fetch attempts by outcome.",
	}, []string{"outcome"})

	IdentityInits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aithena_identity_init_total",
		Help: "Identity initialization attempts by outcome.",
	}, []string{"outcome"})
)
