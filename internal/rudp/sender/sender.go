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

// Package sender implements the sending half of the reliable-transport
// control loop: read a file into a sliding window of in-flight DATA
// packets, retransmit anything that times out, and fold ACKs/NACKs from
// the peer back into the window until the whole input has been sent and
// acknowledged.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sprt/lossless-transport/internal/rudp/clock"
	"github.com/sprt/lossless-transport/internal/rudp/config"
	"github.com/sprt/lossless-transport/internal/rudp/packet"
	"github.com/sprt/lossless-transport/internal/rudp/stats"
	"github.com/sprt/lossless-transport/internal/rudp/transport"
	"github.com/sprt/lossless-transport/internal/rudp/window"
)

// Sender drives one file transfer over a connected socket. It owns its
// window and clock exclusively; nothing else may touch them while Run
// is executing.
type Sender struct {
	conn  transport.Conn
	input io.Reader
	clk   clock.Source
	stats *stats.Stats

	w       *window.Window
	next    uint8
	sentEOF bool
	timeout time.Duration
}

// New builds a Sender ready to transfer input over conn. clk supplies
// the strictly-monotonic timestamps used to tell in-flight packets
// apart; in production this is clock.NewMonotonic().
func New(conn transport.Conn, input io.Reader, clk clock.Source, cfg config.Config, st *stats.Stats) *Sender {
	return &Sender{
		conn:    conn,
		input:   input,
		clk:     clk,
		stats:   st,
		w:       window.New(cfg.InitialWindowSize, cfg.WindowCapacity),
		timeout: cfg.RetransmitTimeout,
	}
}

// Run drives the control loop to completion: every byte of input has
// been sent and the last in-flight packet has been acknowledged, at
// which point it returns nil. Before that it returns only on ctx
// cancellation or a fatal error (socket, input read or packet encode);
// decode failures and protocol-level anomalies are logged and survived.
func (s *Sender) Run(ctx context.Context) error {
	recvBuf := make([]byte, transport.MaxDatagramSize)
	sendBuf := make([]byte, transport.MaxDatagramSize)

	for {
		if s.sentEOF && s.w.Empty() {
			log.Info("transfer complete, all packets acknowledged")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.wait(); err != nil {
			return err
		}

		n, err := s.conn.Read(recvBuf)
		switch {
		case err == nil:
			s.handleIncoming(recvBuf[:n])
		case isTimeout(err):
			// nothing arrived before the deadline; fall through to the
			// retransmit sweep and send-new step below.
		default:
			return fmt.Errorf("sender: receive failed: %w", err)
		}

		if err := s.retransmitDue(sendBuf); err != nil {
			return err
		}
		if err := s.sendNew(sendBuf); err != nil {
			return err
		}
	}
}

// wait computes how long to block for an incoming ACK/NACK before the
// loop must act on its own (retransmit or send new data), and installs
// that as the socket's read deadline. A window with room for new data
// only polls, so the send-new step runs right away. An empty window that
// has no room either (the peer advertised a zero window) and has not
// sent EOF has nothing to do but wait for the peer, so it blocks
// indefinitely.
func (s *Sender) wait() error {
	if !s.w.Full() && !s.sentEOF {
		return s.conn.SetReadDeadline(time.Now())
	}
	if !s.sentEOF && s.w.Empty() {
		return s.conn.SetReadDeadline(time.Time{})
	}

	p := s.w.FindMinTimestamp()
	now := s.clk.Now()
	var waitUs uint32
	if p.Timestamp > now {
		waitUs = p.Timestamp - now
	}
	return s.conn.SetReadDeadline(time.Now().Add(time.Duration(waitUs) * time.Microsecond))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Sender) handleIncoming(data []byte) {
	var p packet.Packet
	if err := packet.Decode(data, &p); err != nil {
		log.WithError(err).Debug("sender: dropping undecodable datagram")
		s.stats.IncDecodeErrors()
		return
	}
	s.stats.IncPacketsReceived(len(data))

	switch p.Type {
	case packet.Ack:
		s.handleAck(&p)
	case packet.Nack:
		s.handleNack(&p)
	case packet.Data:
		log.Debug("sender: ignoring unexpected DATA packet from peer")
		return
	}

	newSize := int(p.Window)
	if newSize > s.w.Capacity() {
		newSize = s.w.Capacity()
	}
	s.w.Resize(newSize)
}

// handleAck folds a cumulative/selective ACK into the window: every
// buffered packet with a sequence number strictly before ack.Seqnum
// (in modular order) is acknowledged and removed, the window slides to
// ack.Seqnum, and if no packet removed by the cumulative sweep carried
// the ACK's timestamp, the ACK is also checked against a single
// buffered packet by timestamp —
// the selective-ack case where the peer confirms an out-of-order packet
// without yet being able to advance its cumulative floor. Every packet
// removed this way feeds one RTT sample into the stats estimator.
func (s *Sender) handleAck(ack *packet.Packet) {
	matched := false
	for {
		p := s.w.FindMinSeqnum()
		if p == nil || !s.w.SeqLess(p.Seqnum, ack.Seqnum) {
			break
		}
		removed := s.w.PopMinSeqnum()
		s.recordRTT(removed.Timestamp)
		if removed.Timestamp == ack.Timestamp {
			matched = true
		}
	}
	s.w.SlideTo(int(ack.Seqnum))
	if !matched {
		if removed := s.w.PopTimestamp(ack.Timestamp); removed != nil {
			s.recordRTT(removed.Timestamp)
		}
	}
}

// recordRTT derives a round-trip sample from a packet's retransmit
// deadline: the deadline is always set to (re)send time plus the
// retransmission timer T, so subtracting T recovers the send time the
// ACK just closed out.
func (s *Sender) recordRTT(deadline uint32) {
	sentAt := deadline - uint32(s.timeout.Microseconds())
	s.stats.AddRTTSample(float64(s.clk.Now() - sentAt))
}

// handleNack resets the matching packet's retransmit deadline to now,
// so the next retransmit sweep resends it immediately instead of
// waiting out the rest of its timer.
func (s *Sender) handleNack(nack *packet.Packet) {
	if !s.w.Has(int(nack.Seqnum)) {
		return
	}
	if p := s.w.FindSeqnum(nack.Seqnum); p != nil {
		p.Timestamp = s.clk.Now()
	}
}

// retransmitDue resends every buffered packet whose retransmit deadline
// has passed, pushing each one's deadline T further into the future.
func (s *Sender) retransmitDue(buf []byte) error {
	for {
		p := s.w.FindMinTimestamp()
		now := s.clk.Now()
		if p == nil || p.Timestamp > now {
			return nil
		}
		newTS := now + uint32(s.timeout.Microseconds())
		s.w.UpdateTimestamp(p.Timestamp, newTS)
		p.Timestamp = newTS
		if err := s.send(buf, p); err != nil {
			return err
		}
		s.stats.IncRetransmits()
		log.WithField("seqnum", p.Seqnum).Debug("sender: retransmitting")
	}
}

// sendNew reads up to one more payload's worth of input and buffers it
// as a new DATA packet, provided the window still has room and EOF has
// not already been signaled. A read of zero bytes is the input's EOF;
// it is reported as an empty DATA packet so the receiver learns the
// transfer is complete, per the packet wire format.
func (s *Sender) sendNew(buf []byte) error {
	if s.w.Full() || s.sentEOF {
		return nil
	}

	payload := make([]byte, packet.MaxPayloadSize)
	n, err := s.input.Read(payload)
	if err != nil && err != io.EOF {
		return fmt.Errorf("sender: reading input: %w", err)
	}

	p := packet.New()
	p.Seqnum = s.next
	p.Window = 0 // the sender never advertises a receive window
	p.Timestamp = s.clk.Now() + uint32(s.timeout.Microseconds())
	if n > 0 {
		if err := p.SetPayload(payload[:n]); err != nil {
			return fmt.Errorf("sender: %w", err)
		}
	} else {
		s.sentEOF = true
		log.Info("sender: input exhausted, emitting EOF packet")
	}

	if !s.w.Push(p) {
		return fmt.Errorf("sender: window rejected a packet it reported room for")
	}
	s.next = (s.next + 1) % (window.MaxSeq + 1)
	return s.send(buf, p)
}

func (s *Sender) send(buf []byte, p *packet.Packet) error {
	n, err := packet.Encode(p, buf)
	if err != nil {
		return fmt.Errorf("sender: encoding packet %d: %w", p.Seqnum, err)
	}
	if _, err := s.conn.Write(buf[:n]); err != nil {
		return fmt.Errorf("sender: writing packet %d: %w", p.Seqnum, err)
	}
	s.stats.IncPacketsSent(p.Length())
	return nil
}
