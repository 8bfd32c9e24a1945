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

// Package receiver implements the receiving half of the reliable-
// transport control loop: buffer out-of-sequence datagrams, deliver
// them to the output sink strictly in order, and keep the sender
// informed via ACK/NACK of what has arrived and how much room remains.
package receiver

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sprt/lossless-transport/internal/rudp/config"
	"github.com/sprt/lossless-transport/internal/rudp/packet"
	"github.com/sprt/lossless-transport/internal/rudp/stats"
	"github.com/sprt/lossless-transport/internal/rudp/transport"
	"github.com/sprt/lossless-transport/internal/rudp/window"
)

// flusher is implemented by output sinks that buffer writes, such as
// *bufio.Writer; Receiver flushes after every in-order delivery burst
// so progress survives a crash with bounded loss.
type flusher interface {
	Flush() error
}

// Receiver drives one inbound file transfer over a connected socket.
// It owns its window exclusively; nothing else may touch it while Run
// is executing.
type Receiver struct {
	conn   transport.Conn
	output io.Writer
	stats  *stats.Stats

	w *window.Window
}

// New builds a Receiver writing to output. conn must already be
// connected to its peer, normally via transport.PeekAndConnect.
func New(conn transport.Conn, output io.Writer, cfg config.Config, st *stats.Stats) *Receiver {
	return &Receiver{
		conn:   conn,
		output: output,
		stats:  st,
		w:      window.New(cfg.WindowCapacity, cfg.WindowCapacity),
	}
}

// Run drives the control loop until ctx is canceled or the socket
// fails; per the protocol, the receiver has no notion of its own
// completion and stops only on external signal. ctx is checked between
// datagrams: a Read already blocked on the socket is not interrupted by
// cancellation, so Run returns once the next datagram arrives or conn
// is closed.
func (r *Receiver) Run(ctx context.Context) error {
	recvBuf := make([]byte, transport.MaxDatagramSize)
	sendBuf := make([]byte, transport.MaxDatagramSize)

	if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("receiver: clearing read deadline: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := r.conn.Read(recvBuf)
		if err != nil {
			return fmt.Errorf("receiver: receive failed: %w", err)
		}
		r.stats.IncPacketsReceived(n)

		if err := r.handleDatagram(recvBuf[:n], sendBuf); err != nil {
			return err
		}
	}
}

func (r *Receiver) handleDatagram(data, sendBuf []byte) error {
	var pkt packet.Packet
	if err := packet.Decode(data, &pkt); err != nil {
		log.WithError(err).Debug("receiver: dropping undecodable datagram")
		r.stats.IncDecodeErrors()
		return nil
	}

	if !r.w.Has(int(pkt.Seqnum)) {
		if r.w.Precedes(int(pkt.Seqnum)) {
			// Already delivered and slid past: the sender is retransmitting
			// because our ACK for it was lost, not because it never
			// arrived. Re-send the current ACK without touching the
			// buffer — otherwise the sender's window can never advance
			// past this seqnum and the transfer deadlocks.
			log.WithField("seqnum", pkt.Seqnum).Debug("receiver: re-acking already-delivered retransmit")
			return r.sendAck(sendBuf, pkt.Timestamp)
		}
		log.WithField("seqnum", pkt.Seqnum).Debug("receiver: discarding out-of-window datagram")
		return nil
	}

	if pkt.TR {
		return r.sendNack(sendBuf, pkt.Seqnum)
	}

	ackTimestamp := pkt.Timestamp
	if r.w.FindSeqnum(pkt.Seqnum) != nil {
		// Duplicate of a packet already buffered out-of-sequence (most
		// often the sender retransmitting because our prior ACK for it
		// was lost). Don't re-insert, but still resend the ACK so the
		// sender eventually sees it.
		log.WithField("seqnum", pkt.Seqnum).Debug("receiver: duplicate, not re-buffered")
	} else {
		p := pkt
		if !r.w.Push(&p) {
			log.WithField("seqnum", pkt.Seqnum).Warn("receiver: window full, dropping datagram without ack")
			r.stats.IncDroppedWindowFull()
			return nil
		}
	}

	if err := r.deliverInOrder(); err != nil {
		return err
	}

	return r.sendAck(sendBuf, ackTimestamp)
}

// deliverInOrder writes every contiguous buffered packet starting at
// w.start to the output, in order, and flushes once the burst is
// done. The empty EOF packet is written (as zero bytes) but does not
// slide the window, so a retransmitted EOF still falls inside w.has
// and gets re-acknowledged.
func (r *Receiver) deliverInOrder() error {
	delivered := false
	for {
		p := r.w.FindSeqnum(uint8(r.w.Start()))
		if p == nil {
			break
		}
		if _, err := r.output.Write(p.Payload()); err != nil {
			return fmt.Errorf("receiver: writing output: %w", err)
		}
		delivered = true
		isEOF := p.Length() == 0
		r.w.PopSeqnum(p.Seqnum)
		if !isEOF {
			r.w.Slide()
		} else {
			log.Info("receiver: delivered EOF marker")
			break
		}
	}
	if delivered {
		if f, ok := r.output.(flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("receiver: flushing output: %w", err)
			}
		}
	}
	return nil
}

func (r *Receiver) sendAck(buf []byte, ackTimestamp uint32) error {
	p := packet.New()
	p.Type = packet.Ack
	p.Window = uint8(r.w.Available())
	p.Seqnum = uint8(r.w.Start())
	p.Timestamp = ackTimestamp
	if err := r.send(buf, p); err != nil {
		return err
	}
	r.stats.IncAcksSent()
	return nil
}

func (r *Receiver) sendNack(buf []byte, seqnum uint8) error {
	p := packet.New()
	p.Type = packet.Nack
	p.Window = uint8(r.w.Available())
	p.Seqnum = seqnum
	if err := r.send(buf, p); err != nil {
		return err
	}
	r.stats.IncNacksSent()
	log.WithField("seqnum", seqnum).Debug("receiver: sent NACK for truncated datagram")
	return nil
}

func (r *Receiver) send(buf []byte, p *packet.Packet) error {
	n, err := packet.Encode(p, buf)
	if err != nil {
		return fmt.Errorf("receiver: encoding %s: %w", p.Type, err)
	}
	if _, err := r.conn.Write(buf[:n]); err != nil {
		return fmt.Errorf("receiver: writing %s: %w", p.Type, err)
	}
	return nil
}
