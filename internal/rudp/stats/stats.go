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

// Package stats exposes observational counters for the sender and
// receiver loops. It never feeds back into protocol decisions — flow
// control remains solely the peer-advertised window, per the protocol's
// "no congestion control" non-goal; stats only let an operator see what
// the loop is doing.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/eclesh/welford"
)

// Stats is the counter set both the sender and receiver loops update.
// The counters are updated with sync/atomic, and the RTT estimator under
// rttMu, since the HTTP reporters read them from a different goroutine
// than the control loop that owns them.
type Stats struct {
	packetsSent      int64
	packetsReceived  int64
	bytesSent        int64
	bytesReceived    int64
	retransmits      int64
	acksSent         int64
	nacksSent        int64
	decodeErrors     int64
	droppedWindowFull int64

	rttMu sync.Mutex
	rtt   *welford.Stats
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{rtt: welford.New()}
}

// IncPacketsSent records one outgoing DATA packet of n bytes.
func (s *Stats) IncPacketsSent(n int) {
	atomic.AddInt64(&s.packetsSent, 1)
	atomic.AddInt64(&s.bytesSent, int64(n))
}

// IncPacketsReceived records one incoming packet of n bytes.
func (s *Stats) IncPacketsReceived(n int) {
	atomic.AddInt64(&s.packetsReceived, 1)
	atomic.AddInt64(&s.bytesReceived, int64(n))
}

// IncRetransmits records one retransmission.
func (s *Stats) IncRetransmits() { atomic.AddInt64(&s.retransmits, 1) }

// IncAcksSent records one outgoing ACK.
func (s *Stats) IncAcksSent() { atomic.AddInt64(&s.acksSent, 1) }

// IncNacksSent records one outgoing NACK.
func (s *Stats) IncNacksSent() { atomic.AddInt64(&s.nacksSent, 1) }

// IncDecodeErrors records one datagram dropped for failing to decode.
func (s *Stats) IncDecodeErrors() { atomic.AddInt64(&s.decodeErrors, 1) }

// IncDroppedWindowFull records one in-window datagram dropped because
// the buffer had no free slot.
func (s *Stats) IncDroppedWindowFull() { atomic.AddInt64(&s.droppedWindowFull, 1) }

// AddRTTSample feeds one round-trip measurement, in microseconds, into
// the running mean/variance estimator (the same technique the teacher
// uses for clock-quality statistics).
func (s *Stats) AddRTTSample(rttMicros float64) {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	s.rtt.Add(rttMicros)
}

// Snapshot is a point-in-time copy of every counter, suitable for JSON
// or Prometheus export.
type Snapshot struct {
	PacketsSent       int64
	PacketsReceived   int64
	BytesSent         int64
	BytesReceived     int64
	Retransmits       int64
	AcksSent          int64
	NacksSent         int64
	DecodeErrors      int64
	DroppedWindowFull int64
	RTTMeanMicros     float64
	RTTStddevMicros   float64
}

// Snapshot takes a consistent-enough snapshot of the counters for
// reporting; individual fields may be read a few nanoseconds apart but
// each field itself is read atomically.
func (s *Stats) Snapshot() Snapshot {
	s.rttMu.Lock()
	mean, stddev := s.rtt.Mean(), s.rtt.Stddev()
	s.rttMu.Unlock()

	return Snapshot{
		PacketsSent:       atomic.LoadInt64(&s.packetsSent),
		PacketsReceived:   atomic.LoadInt64(&s.packetsReceived),
		BytesSent:         atomic.LoadInt64(&s.bytesSent),
		BytesReceived:     atomic.LoadInt64(&s.bytesReceived),
		Retransmits:       atomic.LoadInt64(&s.retransmits),
		AcksSent:          atomic.LoadInt64(&s.acksSent),
		NacksSent:         atomic.LoadInt64(&s.nacksSent),
		DecodeErrors:      atomic.LoadInt64(&s.decodeErrors),
		DroppedWindowFull: atomic.LoadInt64(&s.droppedWindowFull),
		RTTMeanMicros:     mean,
		RTTStddevMicros:   stddev,
	}
}
