// Package datachannel carries stream payloads to the server over UDP. Each
// datagram is an RTP packet whose header extension holds the JSON metadata;
// the server answers with RTCP.
package datachannel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

var log = logging.L("datachannel")

const (
	// MetaExtensionID is the RTP header extension carrying packet metadata.
	MetaExtensionID = 1
	// FeedbackName tags application-defined RTCP packets that report probe
	// transit times.
	FeedbackName    = "JTFB"
	feedbackSubType = 1
	feedbackLen     = 8

	DefaultDSCP        = 46
	DefaultPayloadType = 96

	readBufferSize = 1500
	maxMetaLen     = 255
)

var (
	ErrClosed       = errors.New("datachannel: closed")
	ErrMetaTooLarge = errors.New("datachannel: metadata exceeds 255 bytes")
)

// Config addresses one stream on the server.
type Config struct {
	Addr        string
	SSRC        uint32
	DSCP        int
	PayloadType uint8
}

// Handlers receive inbound events on the channel's read goroutine. Handlers
// must not call Close.
type Handlers struct {
	OnFeedback func(index uint32, transitUs int64)
	OnError    func(err error)
}

// Packet is a decoded data packet.
type Packet struct {
	SSRC           uint32
	SequenceNumber uint16
	Timestamp      uint32
	Meta           []byte
	Payload        []byte
}

// Stats counts traffic on a channel.
type Stats struct {
	PacketsSent uint64
	BytesSent   uint64
	Feedback    uint64
}

// Conn is a connected UDP data channel for one stream.
type Conn struct {
	conn     *net.UDPConn
	ssrc     uint32
	pt       uint8
	start    time.Time
	handlers Handlers

	writeMu sync.Mutex
	seq     uint16

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	feedback    atomic.Uint64
}

// Dial opens the channel, marks it for expedited forwarding and starts the
// RTCP read loop.
func Dial(ctx context.Context, cfg Config, h Handlers) (*Conn, error) {
	d := net.Dialer{Control: controlSocket}
	nc, err := d.DialContext(ctx, "udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	udp, ok := nc.(*net.UDPConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", cfg.Addr, nc)
	}

	if err := markDSCP(udp, cfg.DSCP); err != nil {
		log.Debug("DSCP marking not applied", "dscp", cfg.DSCP, "error", err)
	}

	pt := cfg.PayloadType
	if pt == 0 {
		pt = DefaultPayloadType
	}
	c := &Conn{
		conn:     udp,
		ssrc:     cfg.SSRC,
		pt:       pt,
		start:    time.Now(),
		handlers: h,
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	log.Info("data channel open", "remote", cfg.Addr, "ssrc", cfg.SSRC)
	return c, nil
}

func markDSCP(conn *net.UDPConn, dscp int) error {
	if dscp <= 0 {
		return nil
	}
	tos := dscp << 2
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok && addr.IP.To4() == nil {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewConn(conn).SetTOS(tos)
}

// LocalAddr returns the local socket address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send writes one packet. meta is placed in the header extension and must be
// at most 255 bytes.
func (c *Conn) Send(payload, meta []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf, err := EncodePacket(Packet{
		SSRC:           c.ssrc,
		SequenceNumber: c.seq,
		Timestamp:      uint32(time.Since(c.start) / time.Microsecond),
		Meta:           meta,
		Payload:        payload,
	}, c.pt)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	c.seq++
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(len(buf)))
	return nil
}

// Stats returns traffic counters.
func (c *Conn) Stats() Stats {
	return Stats{
		PacketsSent: c.packetsSent.Load(),
		BytesSent:   c.bytesSent.Load(),
		Feedback:    c.feedback.Load(),
	}
}

// Close sends an RTCP BYE and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		bye, merr := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{
			Sources: []uint32{c.ssrc},
			Reason:  "stream closed",
		}})
		if merr == nil {
			c.writeMu.Lock()
			if _, werr := c.conn.Write(bye); werr != nil {
				log.Debug("BYE not sent", "ssrc", c.ssrc, "error", werr)
			}
			c.writeMu.Unlock()
		}
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
		log.Info("data channel closed", "ssrc", c.ssrc)
	})
	return err
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			// A connected UDP socket reports ICMP port unreachable as a read
			// error; the server may simply not be listening yet.
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			log.Warn("read error", "ssrc", c.ssrc, "error", err)
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			return
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			log.Debug("dropping non-RTCP datagram", "bytes", n, "error", err)
			continue
		}
		for _, p := range pkts {
			c.handleRTCP(p)
		}
	}
}

func (c *Conn) handleRTCP(p rtcp.Packet) {
	switch pkt := p.(type) {
	case *rtcp.ApplicationDefined:
		index, transit, ok := decodeFeedback(pkt)
		if !ok {
			return
		}
		c.feedback.Add(1)
		if c.handlers.OnFeedback != nil {
			c.handlers.OnFeedback(index, transit)
		}
	case *rtcp.ReceiverReport:
		for _, r := range pkt.Reports {
			log.Debug("receiver report",
				"ssrc", r.SSRC,
				"fractionLost", r.FractionLost,
				"totalLost", r.TotalLost,
				"jitter", r.Jitter,
			)
		}
	case *rtcp.Goodbye:
		log.Info("server ended stream", "sources", pkt.Sources, "reason", pkt.Reason)
	}
}

// EncodePacket marshals p as an RTP packet with payload type pt.
func EncodePacket(p Packet, pt uint8) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	if len(p.Meta) > maxMetaLen {
		return nil, ErrMetaTooLarge
	}
	if len(p.Meta) > 0 {
		if err := pkt.Header.SetExtension(MetaExtensionID, p.Meta); err != nil {
			return nil, fmt.Errorf("metadata extension: %w", err)
		}
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal rtp: %w", err)
	}
	return buf, nil
}

// DecodePacket parses a datagram produced by EncodePacket.
func DecodePacket(b []byte) (Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return Packet{}, fmt.Errorf("unmarshal rtp: %w", err)
	}
	return Packet{
		SSRC:           pkt.SSRC,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Meta:           pkt.GetExtension(MetaExtensionID),
		Payload:        pkt.Payload,
	}, nil
}

// EncodeFeedback builds the RTCP packet a receiver sends to report the
// transit time of one probe.
func EncodeFeedback(ssrc, index uint32, transitUs int64) ([]byte, error) {
	data := make([]byte, feedbackLen)
	binary.BigEndian.PutUint32(data[0:4], index)
	binary.BigEndian.PutUint32(data[4:8], uint32(int32(transitUs)))
	return rtcp.Marshal([]rtcp.Packet{&rtcp.ApplicationDefined{
		SubType: feedbackSubType,
		SSRC:    ssrc,
		Name:    FeedbackName,
		Data:    data,
	}})
}

func decodeFeedback(pkt *rtcp.ApplicationDefined) (uint32, int64, bool) {
	if pkt.Name != FeedbackName || len(pkt.Data) < feedbackLen {
		return 0, 0, false
	}
	index := binary.BigEndian.Uint32(pkt.Data[0:4])
	transit := int64(int32(binary.BigEndian.Uint32(pkt.Data[4:8])))
	return index, transit, true
}
