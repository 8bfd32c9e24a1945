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

package receiver

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sprt/lossless-transport/internal/rudp/config"
	"github.com/sprt/lossless-transport/internal/rudp/packet"
	"github.com/sprt/lossless-transport/internal/rudp/stats"
)

type fakeConn struct {
	writes [][]byte
}

func (c *fakeConn) Read([]byte) (int, error)       { return 0, nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                    { return nil }

func (c *fakeConn) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	c.writes = append(c.writes, cp)
	return len(b), nil
}

func (c *fakeConn) lastAs(t *testing.T) packet.Packet {
	t.Helper()
	require.NotEmpty(t, c.writes)
	var p packet.Packet
	require.NoError(t, packet.Decode(c.writes[len(c.writes)-1], &p))
	return p
}

func encodeData(t *testing.T, seqnum uint8, ts uint32, tr bool, payload []byte) []byte {
	t.Helper()
	p := packet.New()
	p.Seqnum = seqnum
	p.Timestamp = ts
	p.TR = tr
	if !tr {
		require.NoError(t, p.SetPayload(payload))
	}
	buf := make([]byte, packet.HeaderSize+len(payload)+4)
	n, err := packet.Encode(p, buf)
	require.NoError(t, err)
	return buf[:n]
}

func newTestReceiver(conn *fakeConn) *Receiver {
	cfg := config.Defaults()
	return New(conn, &bytes.Buffer{}, cfg, stats.New())
}

func TestReceiverInOrderDelivery(t *testing.T) {
	conn := &fakeConn{}
	r := newTestReceiver(conn)
	out := r.output.(*bytes.Buffer)

	buf := make([]byte, 1500)
	require.NoError(t, r.handleDatagram(encodeData(t, 0, 111, false, []byte("hello")), buf))

	require.Equal(t, "hello", out.String())
	require.Equal(t, 1, r.w.Start())

	ack := conn.lastAs(t)
	require.Equal(t, packet.Ack, ack.Type)
	require.EqualValues(t, 1, ack.Seqnum)
	require.EqualValues(t, 111, ack.Timestamp)
}

func TestReceiverReorderedDeliveryBurst(t *testing.T) {
	conn := &fakeConn{}
	r := newTestReceiver(conn)
	out := r.output.(*bytes.Buffer)

	buf := make([]byte, 1500)
	require.NoError(t, r.handleDatagram(encodeData(t, 1, 222, false, []byte("B")), buf))
	require.Empty(t, out.String(), "out-of-order packet must not be delivered yet")
	firstAck := conn.lastAs(t)
	require.EqualValues(t, 0, firstAck.Seqnum, "still waiting on seqnum 0")

	require.NoError(t, r.handleDatagram(encodeData(t, 0, 111, false, []byte("A")), buf))
	require.Equal(t, "AB", out.String(), "both packets deliver in one burst, in order")

	secondAck := conn.lastAs(t)
	require.EqualValues(t, 2, secondAck.Seqnum)
	require.EqualValues(t, 111, secondAck.Timestamp, "ack echoes the timestamp of the packet that arrived, not the one delivered second")
}

func TestReceiverTruncatedPacketSendsNack(t *testing.T) {
	conn := &fakeConn{}
	r := newTestReceiver(conn)

	buf := make([]byte, 1500)
	require.NoError(t, r.handleDatagram(encodeData(t, 5, 0, true, nil), buf))

	require.True(t, r.w.Empty(), "a truncated packet is never buffered")
	nack := conn.lastAs(t)
	require.Equal(t, packet.Nack, nack.Type)
	require.EqualValues(t, 5, nack.Seqnum)
}

func TestReceiverDuplicateResendsAckWithoutReinserting(t *testing.T) {
	conn := &fakeConn{}
	r := newTestReceiver(conn)

	buf := make([]byte, 1500)
	// Seqnum 1 arrives first and is buffered out-of-sequence.
	require.NoError(t, r.handleDatagram(encodeData(t, 1, 50, false, []byte("x")), buf))
	require.Len(t, conn.writes, 1)

	// A retransmit of the same out-of-sequence packet arrives again.
	require.NoError(t, r.handleDatagram(encodeData(t, 1, 999, false, []byte("x")), buf))
	require.Len(t, conn.writes, 2, "a duplicate still gets a fresh ack")

	ack := conn.lastAs(t)
	require.EqualValues(t, 999, ack.Timestamp, "the ack echoes whatever timestamp arrived on the duplicate")
}

func TestReceiverWindowFullDropsWithoutAck(t *testing.T) {
	conn := &fakeConn{}
	cfg := config.Defaults()
	cfg.WindowCapacity = 2
	r := New(conn, &bytes.Buffer{}, cfg, stats.New())

	buf := make([]byte, 1500)
	require.NoError(t, r.handleDatagram(encodeData(t, 1, 1, false, []byte("a")), buf))
	writesAfterFirst := len(conn.writes)

	// Simulate the window having been shrunk below the current buffer
	// occupancy, so it now reports full despite having only one packet.
	require.True(t, r.w.Resize(1))
	require.True(t, r.w.Full())

	require.NoError(t, r.handleDatagram(encodeData(t, 0, 2, false, []byte("b")), buf))
	require.Equal(t, writesAfterFirst, len(conn.writes), "a full window drops the datagram instead of acking it")
	require.EqualValues(t, 1, r.stats.Snapshot().DroppedWindowFull)
}

func TestReceiverEOFPacketDoesNotSlideWindow(t *testing.T) {
	conn := &fakeConn{}
	r := newTestReceiver(conn)

	buf := make([]byte, 1500)
	require.NoError(t, r.handleDatagram(encodeData(t, 0, 5, false, nil), buf))

	require.Equal(t, 0, r.w.Start(), "the EOF marker must not advance the window")
	ack := conn.lastAs(t)
	require.EqualValues(t, 0, ack.Seqnum, "so a retransmitted EOF still falls inside w.has and is re-acked")
}
