package session

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/registry"
)

type videoPhase int

const (
	videoIdle videoPhase = iota
	videoRequested
	videoConfirmed
	videoControlSent
	videoAwaitingData
	videoStreaming
	videoFailed
)

func (p videoPhase) String() string {
	switch p {
	case videoIdle:
		return "idle"
	case videoRequested:
		return "requested"
	case videoConfirmed:
		return "confirmed"
	case videoControlSent:
		return "control-sent"
	case videoAwaitingData:
		return "awaiting-data"
	case videoStreaming:
		return "streaming"
	case videoFailed:
		return "failed"
	}
	return fmt.Sprintf("videoPhase(%d)", int(p))
}

type videoCandidate struct {
	channel  uint8
	dataType uint8
	stream   uint8
}

// Request configurations tried in order. Channel 1 with video-only on the
// main stream satisfies most units; the tail covers zero-indexed channels,
// combined AV firmwares, and sub-stream-only units.
var videoCandidates = []videoCandidate{
	{channel: 1, dataType: 1, stream: 0},
	{channel: 0, dataType: 1, stream: 0},
	{channel: 1, dataType: 0, stream: 0},
	{channel: 0, dataType: 0, stream: 0},
	{channel: 1, dataType: 1, stream: 1},
}

type videoAttempt struct {
	Candidate videoCandidate
	At        time.Time
}

// videoState is the per-session negotiation sub-machine. All fields are
// guarded by the session mutex.
type videoState struct {
	phase     videoPhase
	candidate int
	requested bool // a 0x9101 left this socket or a sibling
	inherited bool // negotiation is owned by an earlier sibling socket
	lastStep  time.Time
	attempts  []videoAttempt
}

// inherit copies a sibling socket's negotiation progress so this session
// does not re-issue requests the device already answered.
func (v *videoState) inherit(st registry.VideoState) {
	v.requested = v.requested || st.Requested
	v.inherited = true
	if st.Candidate > v.candidate {
		v.candidate = st.Candidate
	}
	switch {
	case st.Streaming:
		v.phase = videoStreaming
	case st.Requested:
		v.phase = videoRequested
	}
	v.lastStep = time.Now()
}

// startVideo kicks off negotiation with the first candidate. No-op unless
// the sub-machine is untouched.
func (s *Session) startVideo(reason string) {
	s.mu.Lock()
	if s.video.phase != videoIdle {
		s.mu.Unlock()
		return
	}
	k := s.video.candidate
	s.mu.Unlock()
	s.sendLiveRequest(k, reason)
}

// advertisedIP picks the address written into 0x9101: the accept socket's
// own address when concrete, else the configured override.
func (s *Session) advertisedIP() net.IP {
	if ip := s.localIP; ip != nil && !ip.IsUnspecified() && ip.To4() != nil {
		return ip.To4()
	}
	if ip := net.ParseIP(s.srv.cfg.VideoServerIP); ip != nil && ip.To4() != nil {
		return ip.To4()
	}
	return nil
}

func (s *Session) sendLiveRequest(k int, reason string) {
	cand := videoCandidates[k]
	ip := s.advertisedIP()
	if ip == nil {
		s.failVideo("no advertisable IPv4 address for 0x9101")
		return
	}
	body, err := jt808.LiveRequestBody(ip, uint16(s.srv.cfg.VideoTCPPort), uint16(s.srv.cfg.VideoUDPPort), cand.channel, cand.dataType, cand.stream)
	if err != nil {
		s.failVideo(fmt.Sprintf("live request body: %v", err))
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.video.phase = videoRequested
	s.video.candidate = k
	s.video.requested = true
	s.video.lastStep = now
	s.video.attempts = append(s.video.attempts, videoAttempt{Candidate: cand, At: now})
	s.mu.Unlock()

	log.Printf("session[%s]: live video request %d/%d to %s: channel=%d data_type=%d stream=%d via %s:%d (%s)",
		s.lid(), k+1, len(videoCandidates), s.TerminalID(), cand.channel, cand.dataType, cand.stream, ip, s.srv.cfg.VideoTCPPort, reason)
	s.send(jt808.MsgLiveRequest, s.nextSeq(), body)
}

// videoRequestAcked handles a terminal 0x0001 answering our 0x9101.
func (s *Session) videoRequestAcked(ta jt808.TerminalAck) {
	s.mu.Lock()
	phase := s.video.phase
	if phase != videoRequested {
		s.mu.Unlock()
		log.Printf("session[%s]: 0x9101 ack in phase %s ignored", s.lid(), phase)
		return
	}
	if ta.Result != jt808.ResultOK {
		s.video.phase = videoFailed
		s.mu.Unlock()
		log.Printf("session[%s]: live video request rejected by %s: result=%d", s.lid(), s.TerminalID(), ta.Result)
		return
	}
	k := s.video.candidate
	s.video.phase = videoConfirmed
	s.video.lastStep = time.Now()
	s.mu.Unlock()

	log.Printf("session[%s]: live video request %d confirmed by %s", s.lid(), k+1, s.TerminalID())
	s.sendVideoControl(k)
	// Some firmwares hold the stream until they see the server speak
	// again; an empty heartbeat ack nudges them.
	s.send(jt808.MsgHeartbeatAck, s.nextSeq(), nil)
}

// sendVideoControl issues the 0x9202 stream-switch command for the
// confirmed candidate. Sent once per confirmation.
func (s *Session) sendVideoControl(k int) {
	s.mu.Lock()
	if s.video.phase != videoConfirmed {
		s.mu.Unlock()
		return
	}
	s.video.phase = videoControlSent
	s.video.lastStep = time.Now()
	s.mu.Unlock()

	cand := videoCandidates[k]
	log.Printf("session[%s]: video control to %s: channel=%d", s.lid(), s.TerminalID(), cand.channel)
	s.send(jt808.MsgVideoCtrl, s.nextSeq(), jt808.VideoControlBody(jt808.CtrlSwitchStream, cand.channel, 0xFF, 0xFF))
}

func (s *Session) videoControlAcked(ta jt808.TerminalAck) {
	if ta.Result != jt808.ResultOK {
		log.Printf("session[%s]: video control rejected by %s: result=%d", s.lid(), s.TerminalID(), ta.Result)
		return
	}
	s.mu.Lock()
	if s.video.phase == videoControlSent {
		s.video.phase = videoAwaitingData
		s.video.lastStep = time.Now()
	}
	s.mu.Unlock()
	log.Printf("session[%s]: video control acked by %s", s.lid(), s.TerminalID())
}

// noteVideoData records that the device is streaming, whatever the
// negotiation thought was going on. Data beats state.
func (s *Session) noteVideoData(v *jt808.VideoData) {
	s.mu.Lock()
	prev := s.video.phase
	if prev != videoStreaming {
		s.video.phase = videoStreaming
		s.video.lastStep = time.Now()
	}
	s.mu.Unlock()
	if prev != videoStreaming {
		log.Printf("session[%s]: video flowing from %s (0x%04x channel=%d, was %s)", s.lid(), s.TerminalID(), v.ID, v.Channel, prev)
	}
}

// stepVideo advances the negotiation after a silent interval: the next
// candidate when one remains, FAILED when the list is exhausted. Sessions
// that inherited negotiation from a sibling never step on their own.
func (s *Session) stepVideo(now time.Time) {
	step := s.srv.cfg.NegotiationStep
	s.mu.Lock()
	p := s.video.phase
	waiting := p == videoRequested || p == videoConfirmed || p == videoControlSent || p == videoAwaitingData
	if !waiting || s.video.inherited || now.Sub(s.video.lastStep) < step {
		s.mu.Unlock()
		return
	}
	next := s.video.candidate + 1
	if next >= len(videoCandidates) {
		s.video.phase = videoFailed
		s.mu.Unlock()
		log.Printf("session[%s]: video candidates exhausted for %s", s.lid(), s.TerminalID())
		return
	}
	s.video.candidate = next
	s.mu.Unlock()
	s.sendLiveRequest(next, "no data, next candidate")
}

func (s *Session) failVideo(reason string) {
	s.mu.Lock()
	prev := s.video.phase
	s.video.phase = videoFailed
	s.mu.Unlock()
	if prev != videoFailed {
		log.Printf("session[%s]: video negotiation failed: %s", s.lid(), reason)
	}
}
