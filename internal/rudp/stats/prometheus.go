/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusServer serves a Stats snapshot through a Prometheus registry,
// the way ptp/sptp/stats.PrometheusExporter does.
type PrometheusServer struct {
	Stats    *Stats
	registry *prometheus.Registry
}

// NewPrometheusServer builds a server with an empty registry; each gauge
// is registered the first time a scrape refreshes it.
func NewPrometheusServer(s *Stats) *PrometheusServer {
	return &PrometheusServer{Stats: s, registry: prometheus.NewRegistry()}
}

func (p *PrometheusServer) gauge(name, help string, value float64) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	if err := p.registry.Register(g); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			g = are.ExistingCollector.(prometheus.Gauge)
		}
	}
	g.Set(value)
}

func (p *PrometheusServer) refresh() {
	snap := p.Stats.Snapshot()
	p.gauge("rudp_packets_sent_total", "DATA packets sent", float64(snap.PacketsSent))
	p.gauge("rudp_packets_received_total", "packets received", float64(snap.PacketsReceived))
	p.gauge("rudp_bytes_sent_total", "payload bytes sent", float64(snap.BytesSent))
	p.gauge("rudp_bytes_received_total", "datagram bytes received, headers included", float64(snap.BytesReceived))
	p.gauge("rudp_retransmits_total", "retransmitted packets", float64(snap.Retransmits))
	p.gauge("rudp_acks_sent_total", "ACKs sent", float64(snap.AcksSent))
	p.gauge("rudp_nacks_sent_total", "NACKs sent", float64(snap.NacksSent))
	p.gauge("rudp_decode_errors_total", "datagrams dropped for failing to decode", float64(snap.DecodeErrors))
	p.gauge("rudp_dropped_window_full_total", "in-window datagrams dropped for a full buffer", float64(snap.DroppedWindowFull))
	p.gauge("rudp_rtt_mean_microseconds", "mean observed round-trip time", snap.RTTMeanMicros)
	p.gauge("rudp_rtt_stddev_microseconds", "round-trip time standard deviation", snap.RTTStddevMicros)
}

func (p *PrometheusServer) handle(w http.ResponseWriter, r *http.Request) {
	p.refresh()
	promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// ListenAndServe starts the Prometheus /metrics endpoint on port.
func (p *PrometheusServer) ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", p.handle)
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("starting prometheus stats server on %s", addr)
	return http.ListenAndServe(addr, mux)
}
