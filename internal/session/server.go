package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/ravipangali7/DASHCAM/internal/config"
	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/mediabus"
	"github.com/ravipangali7/DASHCAM/internal/registry"
)

var (
	// ErrNoSuchDevice means no connected session carries the terminal id.
	ErrNoSuchDevice = errors.New("session: no such device")
	// ErrNotConnected means the session closed while an operation waited.
	ErrNotConnected = errors.New("session: not connected")
	// ErrBusy means an equivalent operation is already in flight.
	ErrBusy = errors.New("session: busy")
)

const shutdownGrace = 5 * time.Second

// DeviceInfo is the gateway-facing summary of one connected terminal.
type DeviceInfo struct {
	TerminalID    string `json:"terminal_id"`
	Peer          string `json:"peer"`
	Authenticated bool   `json:"authenticated"`
	HasVideoList  bool   `json:"has_video_list"`
	StoredCount   int    `json:"stored_count"`
}

// Server accepts device connections on TCP and UDP and tracks their
// sessions. Operations address devices by terminal id; when a device
// holds several sockets the most advanced one is used.
type Server struct {
	cfg      *config.Config
	bus      *mediabus.Bus
	registry *registry.Registry

	// tick overrides the watchdog interval in tests.
	tick time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	sink     func(Download)
	tcpAddr  net.Addr
}

// NewServer wires a device server onto the given bus and registry.
func NewServer(cfg *config.Config, bus *mediabus.Bus, reg *registry.Registry) *Server {
	return &Server{
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		sessions: make(map[string]*Session),
	}
}

// SetDownloadSink installs the callback completed downloads are handed
// to. Call before Run.
func (srv *Server) SetDownloadSink(fn func(Download)) {
	srv.mu.Lock()
	srv.sink = fn
	srv.mu.Unlock()
}

func (srv *Server) downloadSink() func(Download) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.sink
}

func (srv *Server) track(s *Session) {
	srv.mu.Lock()
	srv.sessions[s.id] = s
	srv.mu.Unlock()
}

func (srv *Server) untrack(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s.id)
	srv.mu.Unlock()
}

// SessionCount reports how many device sockets are currently open.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// TCPAddr reports the bound device listener address, nil before Run.
func (srv *Server) TCPAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.tcpAddr
}

// Run binds the device listeners and serves until ctx is cancelled. The
// TCP listener is capped at MaxDeviceConnections; one reader goroutine
// runs per UDP port.
func (srv *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.cfg.DeviceTCPAddr())
	if err != nil {
		return fmt.Errorf("device tcp listen %s: %w", srv.cfg.DeviceTCPAddr(), err)
	}
	ln = netutil.LimitListener(ln, srv.cfg.MaxDeviceConnections)
	srv.mu.Lock()
	srv.tcpAddr = ln.Addr()
	srv.mu.Unlock()
	log.Printf("session: device tcp listening on %s (max %d connections)", ln.Addr(), srv.cfg.MaxDeviceConnections)

	var udpConns []*net.UDPConn
	for _, port := range srv.cfg.UDPPorts() {
		addr := &net.UDPAddr{IP: net.ParseIP(srv.cfg.DeviceTCPHost), Port: port}
		pc, err := net.ListenUDP("udp", addr)
		if err != nil {
			ln.Close()
			for _, c := range udpConns {
				c.Close()
			}
			return fmt.Errorf("device udp listen :%d: %w", port, err)
		}
		udpConns = append(udpConns, pc)
		log.Printf("session: device udp listening on %s", pc.LocalAddr())
	}

	var udpWG sync.WaitGroup
	for _, pc := range udpConns {
		udpWG.Add(1)
		go func(pc *net.UDPConn) {
			defer udpWG.Done()
			srv.serveUDP(ctx, pc)
		}(pc)
	}

	var sessWG sync.WaitGroup
	acceptDone := make(chan error, 1)
	go func() {
		acceptDone <- srv.acceptLoop(ctx, ln, &sessWG)
	}()

	select {
	case err = <-acceptDone:
	case <-ctx.Done():
		err = nil
	}

	ln.Close()
	for _, pc := range udpConns {
		pc.Close()
	}
	srv.closeAll("shutdown")
	if !waitTimeout(&sessWG, shutdownGrace) {
		log.Printf("session: shutdown grace of %s expired with sessions still open", shutdownGrace)
	}
	udpWG.Wait()
	return err
}

func (srv *Server) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("session: accept: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s := newSession(srv, conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx)
		}()
	}
}

func (srv *Server) closeAll(reason string) {
	srv.mu.Lock()
	open := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		open = append(open, s)
	}
	srv.mu.Unlock()
	for _, s := range open {
		s.Close(reason)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// sessionsFor returns the device's open sessions, most advanced first.
func (srv *Server) sessionsFor(terminal string) []*Session {
	handles := srv.registry.Lookup(terminal)
	srv.mu.Lock()
	out := make([]*Session, 0, len(handles))
	for _, h := range handles {
		if s, ok := srv.sessions[h.ConnID()]; ok {
			out = append(out, s)
		}
	}
	srv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].State() > out[j].State() })
	return out
}

// ListDevices summarizes every identified terminal, merging across a
// device's sockets.
func (srv *Server) ListDevices() []DeviceInfo {
	terminals := srv.registry.Terminals()
	out := make([]DeviceInfo, 0, len(terminals))
	for _, t := range terminals {
		sessions := srv.sessionsFor(t)
		if len(sessions) == 0 {
			continue
		}
		info := DeviceInfo{TerminalID: t, Peer: sessions[0].Peer()}
		for _, s := range sessions {
			if s.State() == StateAuthed {
				info.Authenticated = true
			}
			if entries, ok := s.storedSnapshot(); ok {
				info.HasVideoList = true
				if len(entries) > info.StoredCount {
					info.StoredCount = len(entries)
				}
			}
		}
		out = append(out, info)
	}
	return out
}

// QueryStoredVideos asks the device for its recording list and waits
// briefly for it to react.
func (srv *Server) QueryStoredVideos(terminal string) error {
	sessions := srv.sessionsFor(terminal)
	if len(sessions) == 0 {
		return ErrNoSuchDevice
	}
	return sessions[0].Query()
}

// ListStoredVideos returns the last stored-video list the device
// reported, or (nil, nil) when none arrived yet.
func (srv *Server) ListStoredVideos(terminal string) ([]jt808.StoredVideoEntry, error) {
	sessions := srv.sessionsFor(terminal)
	if len(sessions) == 0 {
		return nil, ErrNoSuchDevice
	}
	for _, s := range sessions {
		if entries, ok := s.storedSnapshot(); ok {
			return entries, nil
		}
	}
	return nil, nil
}

// RequestDownload asks the device to upload a stored recording and
// returns an opaque transfer handle.
func (srv *Server) RequestDownload(terminal string, entry jt808.StoredVideoEntry) (string, error) {
	sessions := srv.sessionsFor(terminal)
	if len(sessions) == 0 {
		return "", ErrNoSuchDevice
	}
	return sessions[0].StartDownload(entry)
}

// SubscribeFrames attaches a bus subscription for the gateway.
func (srv *Server) SubscribeFrames(f mediabus.Filter, depth int) *mediabus.Subscription {
	return srv.bus.Subscribe(f, depth)
}
