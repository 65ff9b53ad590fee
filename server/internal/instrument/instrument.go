// instrument.go - Prometheus instrumentation.
// Copyright (C) 2026  Fidelio Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exposes the relay's operational metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fidelio_sessions_active",
		Help: "Number of registered sessions.",
	})
	callsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fidelio_calls_active",
		Help: "Number of live call table entries.",
	})
	envelopesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidelio_envelopes_relayed_total",
		Help: "Envelopes relayed to sessions, by envelope type.",
	}, []string{"type"})
	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidelio_envelopes_dropped_total",
		Help: "Envelopes dropped (unknown target, dead session), by envelope type.",
	}, []string{"type"})
	voiceFramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fidelio_voice_frames_relayed_total",
		Help: "Voice frames relayed between call parties.",
	})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fidelio_auth_failures_total",
		Help: "Connections rejected during the authentication handshake.",
	})
)

// Init exposes the registered metrics via HTTP on addr.  A listen
// failure only disables metrics, it never takes the relay down.
func Init(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, mux)
}

// SessionsActive records the current registry size.
func SessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// CallsActive records the current call table size.
func CallsActive(n int) {
	callsActive.Set(float64(n))
}

// EnvelopeRelayed increments the relayed counter for an envelope type.
func EnvelopeRelayed(envelopeType string) {
	envelopesRelayed.WithLabelValues(envelopeType).Inc()
}

// EnvelopeDropped increments the dropped counter for an envelope type.
func EnvelopeDropped(envelopeType string) {
	envelopesDropped.WithLabelValues(envelopeType).Inc()
}

// VoiceFrameRelayed increments the voice frame counter.
func VoiceFrameRelayed() {
	voiceFramesRelayed.Inc()
}

// AuthFailure increments the handshake failure counter.
func AuthFailure() {
	authFailures.Inc()
}
