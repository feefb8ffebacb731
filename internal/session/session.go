// Package session owns the per-connection protocol state for JT/T 808
// terminals: the lifecycle machine, video negotiation, stored-media
// assembly and download buffering. The Server at the bottom of the
// package binds the device listeners and exposes the operations the
// gateway consumes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ravipangali7/DASHCAM/internal/assembly"
	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/mediabus"
	"github.com/ravipangali7/DASHCAM/internal/metrics"
	"github.com/ravipangali7/DASHCAM/internal/registry"
)

const (
	// writeStall bounds one serialized socket write; a device that cannot
	// drain within it gets its session closed.
	writeStall = 2 * time.Second

	watchdogTick = 500 * time.Millisecond

	// queryAckWait bounds how long a stored-list query waits for the
	// terminal to react before the caller is released.
	queryAckWait = 5 * time.Second

	// Auto-query delays: after the first identifying frame, and (re-armed)
	// after registration.
	queryAfterIdent = 1500 * time.Millisecond
	queryAfterReg   = 2 * time.Second

	// storageAll asks 0x9102 to pull from any storage medium.
	storageAll = 0

	readChunk     = 4096
	maxReadBuffer = 64 * 1024
)

// State is the connection lifecycle position.
type State int

const (
	StateNew State = iota
	StateIdentified
	StateRegistered
	StateAuthed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateIdentified:
		return "identified"
	case StateRegistered:
		return "registered"
	case StateAuthed:
		return "authed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Download is a completed stored-video transfer handed to the download
// sink once the device stops sending chunks.
type Download struct {
	Device   string
	Channel  uint8
	Start    string
	End      string
	Data     []byte
	Chunks   int
	Received time.Time
}

type downloadKey struct {
	channel uint8
	start   string
}

// transfer accumulates 0x1205 data chunks for one download.
type transfer struct {
	entry  jt808.StoredVideoEntry
	data   []byte
	chunks int
	last   time.Time
}

type pendingQuery struct {
	sent time.Time
	ack  chan uint8
}

// Session is one accepted device connection. The read loop and the
// watchdog goroutine are the only writers of its state; both go through
// the session mutex.
type Session struct {
	id      string
	srv     *Server
	conn    net.Conn
	peerIP  string
	localIP net.IP

	chains  *assembly.ChainSet
	lists   *assembly.ListAssembler
	limiter *rate.Limiter

	closeOnce sync.Once
	closeCh   chan struct{}

	mu           sync.Mutex
	state        State
	terminal     string
	seq          uint16
	frames       uint64
	lastFrame    time.Time
	locCount     int
	lastLoc      *jt808.Location
	stored       []jt808.StoredVideoEntry
	storedSet    bool
	queryDue     time.Time
	queryDone    bool
	queryPending *pendingQuery
	video        videoState
	downloads    map[downloadKey]*transfer
	closeReason  string

	writeMu sync.Mutex
}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		id:        uuid.NewString(),
		srv:       srv,
		conn:      conn,
		chains:    assembly.NewChainSet(srv.cfg.FrameChainTimeout),
		lists:     assembly.NewListAssembler(srv.cfg.ListBufferTimeout),
		limiter:   rate.NewLimiter(rate.Every(srv.cfg.QueryCooldown), 1),
		closeCh:   make(chan struct{}),
		downloads: make(map[downloadKey]*transfer),
		lastFrame: time.Now(),
	}
	if ra := conn.RemoteAddr(); ra != nil {
		if host, _, err := net.SplitHostPort(ra.String()); err == nil {
			s.peerIP = host
		}
	}
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.localIP = la.IP
	}
	return s
}

// lid is the short connection id used in log lines.
func (s *Session) lid() string { return s.id[:8] }

// ConnID implements registry.Handle.
func (s *Session) ConnID() string { return s.id }

// PeerIP implements registry.Handle.
func (s *Session) PeerIP() string { return s.peerIP }

// TerminalID implements registry.Handle. Empty until the first frame.
func (s *Session) TerminalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// VideoState implements registry.Handle: the copyable negotiation
// progress a sibling socket inherits at identification.
func (s *Session) VideoState() registry.VideoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return registry.VideoState{
		Requested: s.video.requested,
		Candidate: s.video.candidate,
		Streaming: s.video.phase == videoStreaming,
	}
}

// State returns the lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote address of the underlying connection.
func (s *Session) Peer() string {
	if ra := s.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return s.peerIP
}

func (s *Session) storedSnapshot() ([]jt808.StoredVideoEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.storedSet {
		return nil, false
	}
	out := make([]jt808.StoredVideoEntry, len(s.stored))
	copy(out, s.stored)
	return out, true
}

func (s *Session) nextSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Close signals the session to stop. Idempotent; the first reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closeCh)
		s.conn.Close()
	})
}

// run drives the session to completion: registry membership, the
// watchdog, the read loop, and teardown.
func (s *Session) run(ctx context.Context) {
	metrics.SessionsActive.Inc()
	s.srv.track(s)
	s.srv.registry.Add(s)
	log.Printf("session[%s]: accepted peer=%s", s.lid(), s.Peer())

	go s.watchdog(ctx)
	s.readLoop()
	s.finish()
}

func (s *Session) readLoop() {
	buf := make([]byte, 0, readChunk*2)
	tmp := make([]byte, readChunk)
	for {
		n, err := s.conn.Read(tmp)
		if n > 0 {
			metrics.BytesIn.Add(float64(n))
			buf = append(buf, tmp[:n]...)
			buf = s.drain(buf)
			if len(buf) > maxReadBuffer {
				log.Printf("session[%s]: %d buffered bytes without a complete frame, resetting", s.lid(), len(buf))
				buf = buf[:0]
			}
		}
		if err != nil {
			switch {
			case err == io.EOF:
				s.Close("eof")
			case errors.Is(err, net.ErrClosed):
				// Close() already ran.
			default:
				log.Printf("session[%s]: read: %v", s.lid(), err)
				s.Close("read error")
			}
			return
		}
		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

// drain extracts and dispatches every complete frame in buf, returning
// the unconsumed tail. Framing errors skip bytes, never close.
func (s *Session) drain(buf []byte) []byte {
	for {
		f, n, err := jt808.Extract(buf)
		if err != nil {
			if errors.Is(err, jt808.ErrResync) {
				log.Printf("session[%s]: resync, skipped %d bytes (head % x)", s.lid(), n, preview(buf, 8))
			} else {
				log.Printf("session[%s]: bad frame, dropped %d bytes: %v", s.lid(), n, err)
			}
			buf = buf[n:]
			continue
		}
		if f == nil {
			return buf
		}
		buf = buf[n:]
		s.handleFrame(f)
	}
}

func preview(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// wantsAck lists the terminal messages the protocol answers even when
// their body fails to decode.
func wantsAck(id uint16) bool {
	switch id {
	case jt808.MsgRegister, jt808.MsgAuth, jt808.MsgLocation, jt808.MsgLogout:
		return true
	}
	return false
}

func (s *Session) handleFrame(f *jt808.Frame) {
	s.mu.Lock()
	s.frames++
	s.lastFrame = time.Now()
	s.mu.Unlock()
	metrics.Messages.WithLabelValues(fmt.Sprintf("0x%04x", f.MsgID)).Inc()

	if f.Terminal == "" {
		log.Printf("session[%s]: 0x%04x without terminal id, dropped", s.lid(), f.MsgID)
		return
	}
	if !f.ChecksumOK {
		log.Printf("session[%s]: BCC mismatch on 0x%04x from %s (got %02x), dispatching anyway", s.lid(), f.MsgID, f.Terminal, f.Checksum)
	}
	s.identify(f.Terminal)

	msg, err := jt808.Decode(f)
	if err != nil {
		log.Printf("session[%s]: decode 0x%04x from %s: %v", s.lid(), f.MsgID, f.Terminal, err)
		if wantsAck(f.MsgID) {
			s.send(jt808.MsgGeneralAck, f.Seq, jt808.GeneralAckBody(jt808.ResultBadMessage))
		}
		return
	}

	switch m := msg.(type) {
	case jt808.Heartbeat:
		s.send(jt808.MsgHeartbeatAck, f.Seq, nil)

	case *jt808.Location:
		s.handleLocation(m, f.Seq)

	case jt808.Register:
		s.handleRegister(m, f.Seq)

	case jt808.Auth:
		s.handleAuth(m, f.Seq)

	case jt808.Logout:
		s.handleLogout(f.Seq)

	case jt808.TerminalAck:
		s.handleTerminalAck(m)

	case jt808.StoredMedia:
		s.handleStoredMedia(m.Body, f.Seq)

	case jt808.UploadInit:
		s.handleUploadInit(m, f.Seq)

	case *jt808.VideoData:
		s.handleVideoData(m, f.Seq)

	case jt808.VideoControl:
		log.Printf("session[%s]: 0x9202 control echo from %s: control=%d channel=%d", s.lid(), f.Terminal, m.Control, m.Channel)

	case jt808.Raw:
		log.Printf("session[%s]: unhandled 0x%04x from %s (%d bytes)", s.lid(), m.ID, f.Terminal, len(m.Body))
	}
}

// identify latches the terminal id from the first attributable frame,
// joins the registry, and inherits sibling negotiation state.
func (s *Session) identify(terminal string) {
	s.mu.Lock()
	if s.state != StateNew {
		if terminal != s.terminal {
			log.Printf("session[%s]: terminal id changed mid-session %s -> %s, keeping first", s.lid(), s.terminal, terminal)
		}
		s.mu.Unlock()
		return
	}
	s.state = StateIdentified
	s.terminal = terminal
	s.queryDue = time.Now().Add(queryAfterIdent)
	s.mu.Unlock()

	st, found := s.srv.registry.Identify(s)
	if found && (st.Requested || st.Streaming) {
		s.mu.Lock()
		s.video.inherit(st)
		s.mu.Unlock()
		log.Printf("session[%s]: terminal %s identified, video negotiation inherited (candidate=%d streaming=%t)",
			s.lid(), terminal, st.Candidate, st.Streaming)
		return
	}
	log.Printf("session[%s]: terminal %s identified", s.lid(), terminal)
}

func (s *Session) handleLocation(loc *jt808.Location, seq uint16) {
	s.mu.Lock()
	s.lastLoc = loc
	s.locCount++
	count := s.locCount
	s.mu.Unlock()

	log.Printf("session[%s]: location from %s: lat=%.6f lon=%.6f speed=%.1fkm/h heading=%d alarm=0x%08x",
		s.lid(), s.TerminalID(), loc.Latitude(), loc.Longitude(), loc.SpeedKmh(), loc.Heading, loc.Alarm)
	s.send(jt808.MsgLocationAck, seq, jt808.LocationAckBody(jt808.ResultOK))

	// Telemetry volume stands in for an auth exchange on firmwares that
	// never send 0x0102.
	if count == 2 {
		s.goActive("telemetry", true)
	}
}

func (s *Session) handleRegister(r jt808.Register, seq uint16) {
	log.Printf("session[%s]: register from %s: manufacturer=%q model=%q terminal=%q plate=%q color=%d",
		s.lid(), s.TerminalID(), r.Manufacturer, r.Model, r.TerminalID, r.Plate, r.PlateColor)

	s.mu.Lock()
	if s.state < StateRegistered {
		s.state = StateRegistered
	}
	if !s.queryDone {
		s.queryDue = time.Now().Add(queryAfterReg)
	}
	s.mu.Unlock()

	s.send(jt808.MsgRegisterAck, seq, jt808.RegisterAckBody(0, []byte(s.srv.cfg.AuthCode)))
}

func (s *Session) handleAuth(a jt808.Auth, seq uint16) {
	log.Printf("session[%s]: auth from %s: code=%q", s.lid(), s.TerminalID(), a.Code)
	s.send(jt808.MsgGeneralAck, seq, jt808.GeneralAckBody(jt808.ResultOK))

	s.mu.Lock()
	s.state = StateAuthed
	s.mu.Unlock()

	s.goActive("authenticated", false)
}

func (s *Session) handleLogout(seq uint16) {
	log.Printf("session[%s]: logout from %s", s.lid(), s.TerminalID())
	s.send(jt808.MsgGeneralAck, seq, jt808.GeneralAckBody(jt808.ResultOK))
	s.Close("logout")
}

func (s *Session) handleTerminalAck(ta jt808.TerminalAck) {
	switch ta.ReplyID {
	case jt808.MsgLiveRequest:
		s.videoRequestAcked(ta)
	case jt808.MsgVideoCtrl:
		s.videoControlAcked(ta)
	case jt808.MsgListQuery:
		log.Printf("session[%s]: list query acked by %s: result=%d", s.lid(), s.TerminalID(), ta.Result)
		s.resolveQuery(ta.Result)
	case jt808.MsgDownloadReq:
		log.Printf("session[%s]: download request acked by %s: result=%d", s.lid(), s.TerminalID(), ta.Result)
	default:
		log.Printf("session[%s]: terminal ack for 0x%04x: result=%d", s.lid(), ta.ReplyID, ta.Result)
	}
}

func (s *Session) handleUploadInit(u jt808.UploadInit, seq uint16) {
	log.Printf("session[%s]: upload init from %s: channel=%d start=%s type=%d", s.lid(), s.TerminalID(), u.Channel, u.Start, u.VideoType)
	s.send(jt808.MsgTerminalAck, seq, jt808.AckBody(seq, jt808.MsgUploadInit, jt808.ResultOK))

	s.mu.Lock()
	key := downloadKey{channel: u.Channel, start: u.Start}
	if _, ok := s.downloads[key]; !ok {
		s.downloads[key] = &transfer{
			entry: jt808.StoredVideoEntry{Channel: u.Channel, Start: u.Start, VideoType: u.VideoType},
			last:  time.Now(),
		}
	}
	s.mu.Unlock()
}

// handleStoredMedia resolves the 0x1205 polymorphism: list init or
// continuation first, stored-video data chunk otherwise.
func (s *Session) handleStoredMedia(body []byte, seq uint16) {
	res, consumed := s.lists.Feed(body)
	if res.Flushed != nil {
		log.Printf("session[%s]: superseded list assembly kept %d of %d entries", s.lid(), len(res.Flushed.Entries), res.Flushed.Count)
		s.storeEntries(res.Flushed.Entries)
	}
	if res.Started {
		log.Printf("session[%s]: stored list assembly started for %s", s.lid(), s.TerminalID())
		s.resolveQuery(jt808.ResultOK)
	}
	if res.Completed != nil {
		log.Printf("session[%s]: stored list from %s complete: %d entries", s.lid(), s.TerminalID(), len(res.Completed.Entries))
		s.storeEntries(res.Completed.Entries)
		s.resolveQuery(jt808.ResultOK)
		s.send(jt808.MsgTerminalAck, seq, jt808.AckBody(seq, jt808.MsgListQuery, jt808.ResultOK))
	}
	if consumed {
		return
	}

	sv, err := jt808.ParseStoredVideoData(body)
	if err != nil {
		log.Printf("session[%s]: 0x1205 body unclaimed (%d bytes): %v", s.lid(), len(body), err)
		return
	}
	s.handleStoredChunk(sv)
}

func (s *Session) storeEntries(entries []jt808.StoredVideoEntry) {
	s.mu.Lock()
	s.stored = entries
	s.storedSet = true
	s.mu.Unlock()
}

// handleStoredChunk buffers one download chunk and republishes it on the
// bus so viewers can watch the transfer in flight.
func (s *Session) handleStoredChunk(sv *jt808.StoredVideoData) {
	start := ""
	if sv.GPS != nil {
		start = sv.GPS.Time
	}
	s.mu.Lock()
	tr := s.findTransfer(sv.Channel, start)
	tr.data = append(tr.data, sv.Payload...)
	tr.chunks++
	tr.last = time.Now()
	total := len(tr.data)
	s.mu.Unlock()

	log.Printf("session[%s]: stored chunk from %s: channel=%d bytes=%d total=%d", s.lid(), s.TerminalID(), sv.Channel, len(sv.Payload), total)
	s.srv.bus.Publish(mediabus.Event{
		Device:   s.TerminalID(),
		Channel:  sv.Channel,
		DataType: sv.DataType,
		Stored:   true,
		Payload:  sv.Payload,
		Location: sv.GPS,
	})
}

// findTransfer locates the transfer a chunk belongs to: the open one on
// the chunk's channel, else a fresh buffer keyed by the chunk's own
// clock. Caller holds the session mutex.
func (s *Session) findTransfer(channel uint8, start string) *transfer {
	for k, tr := range s.downloads {
		if k.channel == channel {
			return tr
		}
	}
	tr := &transfer{
		entry: jt808.StoredVideoEntry{Channel: channel, Start: start},
		last:  time.Now(),
	}
	s.downloads[downloadKey{channel: channel, start: start}] = tr
	return tr
}

func (s *Session) handleVideoData(v *jt808.VideoData, seq uint16) {
	s.noteVideoData(v)
	fr := s.chains.Add(v, seq)
	if fr == nil {
		return
	}
	metrics.FramesReassembled.Inc()
	if fr.Degraded {
		log.Printf("session[%s]: degraded frame from %s: channel=%d bytes=%d", s.lid(), s.TerminalID(), fr.Channel, len(fr.Payload))
	}

	s.mu.Lock()
	loc := s.lastLoc
	s.mu.Unlock()
	s.srv.bus.Publish(mediabus.Event{
		Device:   s.TerminalID(),
		Channel:  fr.Channel,
		DataType: fr.DataType,
		Degraded: fr.Degraded,
		Payload:  fr.Payload,
		Location: loc,
	})
}

// goActive runs what follows an effectively-active device: video
// negotiation, plus the stored-list query when the trigger calls for it.
// try_video_list_first flips the order.
func (s *Session) goActive(reason string, withQuery bool) {
	if s.srv.cfg.TryVideoListFirst {
		s.fireAutoQuery(reason)
		s.startVideo(reason)
		return
	}
	s.startVideo(reason)
	if withQuery {
		s.fireAutoQuery(reason)
	}
}

// fireAutoQuery sends the one automatic stored-list query a session gets.
func (s *Session) fireAutoQuery(reason string) {
	s.mu.Lock()
	if s.queryDone {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.sendListQuery(); err != nil {
		log.Printf("session[%s]: auto list query (%s): %v", s.lid(), reason, err)
		return
	}
	log.Printf("session[%s]: list query sent to %s (%s)", s.lid(), s.TerminalID(), reason)
}

// sendListQuery issues an all-wildcard 0x9205, subject to the single
// in-flight query and the cooldown. A stale half-built list assembly
// waives the cooldown so a fresh query can supersede it.
func (s *Session) sendListQuery() error {
	s.mu.Lock()
	if s.queryPending != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	if !s.lists.Stale() && !s.limiter.Allow() {
		s.mu.Unlock()
		return ErrBusy
	}
	pq := &pendingQuery{sent: time.Now(), ack: make(chan uint8, 1)}
	s.queryPending = pq
	s.queryDone = true
	s.queryDue = time.Time{}
	s.mu.Unlock()

	body, err := jt808.ListQueryBody(0xFF, 0xFF, "", "")
	if err != nil {
		s.resolveQuery(jt808.ResultFail)
		return err
	}
	if err := s.send(jt808.MsgListQuery, s.nextSeq(), body); err != nil {
		s.resolveQuery(jt808.ResultFail)
		return err
	}
	return nil
}

// resolveQuery releases a waiter on the in-flight list query, if any.
func (s *Session) resolveQuery(result uint8) {
	s.mu.Lock()
	pq := s.queryPending
	s.queryPending = nil
	s.mu.Unlock()
	if pq == nil {
		return
	}
	select {
	case pq.ack <- result:
	default:
	}
}

// Query issues a stored-list query and waits briefly for the terminal to
// react: an 0x0001 ack, or the list itself starting.
func (s *Session) Query() error {
	s.mu.Lock()
	pq := s.queryPending
	s.mu.Unlock()
	if pq == nil {
		if err := s.sendListQuery(); err != nil {
			return err
		}
		s.mu.Lock()
		pq = s.queryPending
		s.mu.Unlock()
	}
	if pq == nil {
		return nil
	}
	select {
	case r := <-pq.ack:
		if r != jt808.ResultOK {
			return fmt.Errorf("list query rejected: result=%d", r)
		}
		return nil
	case <-time.After(queryAckWait):
		return nil
	case <-s.closeCh:
		return ErrNotConnected
	}
}

// StartDownload requests a stored recording and opens its buffer. One
// transfer per channel at a time.
func (s *Session) StartDownload(entry jt808.StoredVideoEntry) (string, error) {
	s.mu.Lock()
	for k := range s.downloads {
		if k.channel == entry.Channel {
			s.mu.Unlock()
			return "", ErrBusy
		}
	}
	key := downloadKey{channel: entry.Channel, start: entry.Start}
	s.downloads[key] = &transfer{entry: entry, last: time.Now()}
	terminal := s.terminal
	s.mu.Unlock()

	body, err := jt808.DownloadRequestBody(entry.Channel, entry.Start, entry.End, entry.Alarm, entry.VideoType, storageAll)
	if err != nil {
		s.dropTransfer(key)
		return "", fmt.Errorf("download request: %w", err)
	}
	if err := s.send(jt808.MsgDownloadReq, s.nextSeq(), body); err != nil {
		s.dropTransfer(key)
		return "", err
	}
	log.Printf("session[%s]: download requested from %s: channel=%d start=%s end=%s", s.lid(), terminal, entry.Channel, entry.Start, entry.End)
	return fmt.Sprintf("%s/%d/%s", terminal, entry.Channel, entry.Start), nil
}

func (s *Session) dropTransfer(key downloadKey) {
	s.mu.Lock()
	delete(s.downloads, key)
	s.mu.Unlock()
}

// send frames and writes one message. Writes are serialized; a write
// error marks video FAILED but keeps the session reading, a stalled
// write closes it.
func (s *Session) send(msgID, seq uint16, body []byte) error {
	s.mu.Lock()
	terminal := s.terminal
	s.mu.Unlock()

	pkt, err := jt808.Build(msgID, terminal, seq, body)
	if err != nil {
		return fmt.Errorf("build 0x%04x: %w", msgID, err)
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeStall))
	_, werr := s.conn.Write(pkt)
	s.writeMu.Unlock()
	if werr != nil {
		s.failVideo(fmt.Sprintf("write 0x%04x: %v", msgID, werr))
		var ne net.Error
		if errors.As(werr, &ne) && ne.Timeout() {
			log.Printf("session[%s]: write stalled past %s, closing", s.lid(), writeStall)
			s.Close("write stall")
		}
		return fmt.Errorf("write 0x%04x: %w", msgID, werr)
	}
	return nil
}

// watchdog owns every timer the session carries: assembly staleness, the
// auto-query schedule, negotiation steps, download completion, and the
// idle cutoff.
func (s *Session) watchdog(ctx context.Context) {
	tick := s.srv.tick
	if tick <= 0 {
		tick = watchdogTick
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ctx.Done():
			s.Close("shutdown")
			return
		case <-t.C:
		}

		now := time.Now()
		if n := s.chains.Sweep(); n > 0 {
			log.Printf("session[%s]: swept %d stale frame chains", s.lid(), n)
		}
		if sl := s.lists.SweepStale(); sl != nil {
			log.Printf("session[%s]: list assembly timed out, keeping %d of %d entries", s.lid(), len(sl.Entries), sl.Count)
			s.storeEntries(sl.Entries)
		}
		s.checkQueryTimers(now)
		s.stepVideo(now)
		s.completeIdleDownloads(now)
		s.checkIdle(now)
	}
}

func (s *Session) checkQueryTimers(now time.Time) {
	s.mu.Lock()
	fire := !s.queryDone && s.state >= StateIdentified && !s.queryDue.IsZero() && now.After(s.queryDue)
	if pq := s.queryPending; pq != nil && now.Sub(pq.sent) > queryAckWait {
		// Unanswered; stop blocking the next query.
		s.queryPending = nil
	}
	s.mu.Unlock()
	if fire {
		s.fireAutoQuery("timer")
	}
}

func (s *Session) completeIdleDownloads(now time.Time) {
	idle := s.srv.cfg.ListBufferTimeout
	done := make(map[downloadKey]*transfer)
	s.mu.Lock()
	terminal := s.terminal
	for k, tr := range s.downloads {
		if now.Sub(tr.last) <= idle {
			continue
		}
		delete(s.downloads, k)
		if len(tr.data) > 0 {
			done[k] = tr
		}
	}
	s.mu.Unlock()
	for k, tr := range done {
		s.deliverDownload(terminal, k, tr)
	}
}

func (s *Session) deliverDownload(terminal string, key downloadKey, tr *transfer) {
	if len(tr.data) == 0 {
		return
	}
	metrics.DownloadsCompleted.Inc()
	log.Printf("session[%s]: download complete: terminal=%s channel=%d start=%s bytes=%d chunks=%d",
		s.lid(), terminal, key.channel, key.start, len(tr.data), tr.chunks)
	sink := s.srv.downloadSink()
	if sink == nil {
		return
	}
	sink(Download{
		Device:   terminal,
		Channel:  key.channel,
		Start:    key.start,
		End:      tr.entry.End,
		Data:     tr.data,
		Chunks:   tr.chunks,
		Received: time.Now(),
	})
}

func (s *Session) checkIdle(now time.Time) {
	s.mu.Lock()
	last := s.lastFrame
	s.mu.Unlock()
	if now.Sub(last) > s.srv.cfg.IdleTimeout {
		log.Printf("session[%s]: idle %s, closing", s.lid(), now.Sub(last).Round(time.Second))
		s.Close("idle")
	}
}

// finish tears the session down after the read loop exits.
func (s *Session) finish() {
	s.Close("connection closed")
	s.srv.registry.Remove(s)
	s.flushDownloads()
	s.srv.untrack(s)
	metrics.SessionsActive.Dec()

	s.mu.Lock()
	terminal, reason, frames := s.terminal, s.closeReason, s.frames
	s.mu.Unlock()
	log.Printf("session[%s]: closed terminal=%q reason=%s frames=%d", s.lid(), terminal, reason, frames)
}

// flushDownloads hands every non-empty buffer to the sink; a transfer cut
// short by disconnect still beats no footage.
func (s *Session) flushDownloads() {
	s.mu.Lock()
	pending := s.downloads
	s.downloads = make(map[downloadKey]*transfer)
	terminal := s.terminal
	s.mu.Unlock()
	for k, tr := range pending {
		s.deliverDownload(terminal, k, tr)
	}
}
