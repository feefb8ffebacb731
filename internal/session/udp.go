package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/mediabus"
	"github.com/ravipangali7/DASHCAM/internal/metrics"
)

// UDP carries video from devices that keep TCP for signalling only. Only
// video-data messages are dispatched here; nothing is ever acked over
// UDP, and datagrams that are not framed at all fall back to payload
// sniffing.

const maxDatagram = 65536

func (srv *Server) serveUDP(ctx context.Context, pc *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := pc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("session: udp read %s: %v", pc.LocalAddr(), err)
			continue
		}
		metrics.BytesIn.Add(float64(n))
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		srv.handleDatagram(pkt, src)
	}
}

// handleDatagram extracts whatever frames the datagram carries; a
// datagram with no framing at all is sniffed for raw video.
func (srv *Server) handleDatagram(pkt []byte, src *net.UDPAddr) {
	rest := pkt
	framed := false
	for len(rest) > 0 {
		f, n, err := jt808.Extract(rest)
		if err != nil {
			rest = rest[n:]
			continue
		}
		if f == nil {
			break
		}
		rest = rest[n:]
		framed = true
		srv.dispatchUDPFrame(f, src)
	}
	if !framed {
		srv.fallbackVideo(pkt, src)
	}
}

func (srv *Server) dispatchUDPFrame(f *jt808.Frame, src *net.UDPAddr) {
	metrics.Messages.WithLabelValues(fmt.Sprintf("0x%04x", f.MsgID)).Inc()

	switch f.MsgID {
	case jt808.MsgVideoData, jt808.MsgVideoDataB, jt808.MsgVideoDataC, jt808.MsgVideoCtrl:
	default:
		log.Printf("session: udp 0x%04x from %s ignored (signalling stays on tcp)", f.MsgID, src)
		return
	}

	msg, err := jt808.Decode(f)
	if err != nil {
		log.Printf("session: udp decode 0x%04x from %s: %v", f.MsgID, src, err)
		return
	}
	v, ok := msg.(*jt808.VideoData)
	if !ok {
		log.Printf("session: udp 0x%04x from %s carried no video payload", f.MsgID, src)
		return
	}

	if s := srv.findUDPSession(f.Terminal, src); s != nil {
		s.handleVideoData(v, f.Seq)
		return
	}

	// No owning session to reassemble through; the fragment still flows,
	// flagged so viewers know it skipped the chain.
	srv.bus.Publish(mediabus.Event{
		Device:   f.Terminal,
		Channel:  v.Channel,
		DataType: v.DataType,
		Degraded: true,
		Payload:  v.Payload,
	})
}

// findUDPSession maps a datagram to an open session: by the frame's
// terminal id first, by the sender's IP second.
func (srv *Server) findUDPSession(terminal string, src *net.UDPAddr) *Session {
	handles := srv.registry.Lookup(terminal)
	if len(handles) == 0 {
		handles = srv.registry.ByPeerIP(src.IP.String())
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, h := range handles {
		if s, ok := srv.sessions[h.ConnID()]; ok {
			return s
		}
	}
	return nil
}

// fallbackVideo attributes an unframed datagram by sender IP when it
// looks like RTP or a raw Annex-B elementary stream.
func (srv *Server) fallbackVideo(pkt []byte, src *net.UDPAddr) {
	var kind string
	switch {
	case looksLikeRTP(pkt):
		kind = "rtp"
	case hasAnnexBStart(pkt):
		kind = "annex-b"
	default:
		return
	}

	terminal := ""
	for _, h := range srv.registry.ByPeerIP(src.IP.String()) {
		if t := h.TerminalID(); t != "" {
			terminal = t
			break
		}
	}
	if terminal == "" {
		log.Printf("session: udp %s payload from %s with no session to attribute, dropped (%d bytes)", kind, src, len(pkt))
		return
	}

	srv.bus.Publish(mediabus.Event{
		Device:   terminal,
		Channel:  1,
		DataType: jt808.FrameVideoI,
		Degraded: true,
		Payload:  pkt,
	})
}

// looksLikeRTP checks for an RTP v2 header with a dynamic payload type,
// the range camera firmwares use for H.264.
func looksLikeRTP(b []byte) bool {
	if len(b) < 12 {
		return false
	}
	if b[0]&0xC0 != 0x80 {
		return false
	}
	pt := b[1] & 0x7F
	return pt >= 96 && pt <= 127
}

// hasAnnexBStart scans for an H.264 Annex-B start code followed by a
// plausible VCL or parameter-set NAL unit. Firmwares that prepend their
// own headers to the elementary stream still match this way; the
// four-octet start code contains the three-octet one, so a single scan
// covers both forms.
func hasAnnexBStart(b []byte) bool {
	for i := 0; i+3 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 || b[i+2] != 1 {
			continue
		}
		if t := b[i+3] & 0x1F; t >= 1 && t <= 8 {
			return true
		}
	}
	return false
}
