// End-to-end: boot the terminus in-process, speak the device protocol over
// TCP, and read the results back through the gateway. No external services.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/config"
	"github.com/ravipangali7/DASHCAM/internal/gateway"
	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/mediabus"
	"github.com/ravipangali7/DASHCAM/internal/recorder"
	"github.com/ravipangali7/DASHCAM/internal/registry"
	"github.com/ravipangali7/DASHCAM/internal/session"
)

const itTerminal = "013800138000"

func devFrame(t *testing.T, msgID uint16, seq uint16, body []byte) []byte {
	t.Helper()
	pkt, err := jt808.Build(msgID, itTerminal, seq, body)
	if err != nil {
		t.Fatalf("build 0x%04x: %v", msgID, err)
	}
	return pkt
}

func sendPkt(t *testing.T, c net.Conn, pkt []byte) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(pkt); err != nil {
		t.Fatalf("write to terminus: %v", err)
	}
}

// frameReader accumulates the server side of the conversation; frames can
// arrive back to back in one segment.
type frameReader struct {
	c   net.Conn
	buf []byte
}

func (r *frameReader) next(t *testing.T) *jt808.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	tmp := make([]byte, 4096)
	for {
		f, n, err := jt808.Extract(r.buf)
		if err != nil {
			t.Fatalf("terminus sent junk: %v (% x)", err, r.buf)
		}
		if f != nil {
			r.buf = r.buf[n:]
			return f
		}
		r.c.SetReadDeadline(deadline)
		rn, rerr := r.c.Read(tmp)
		if rn > 0 {
			r.buf = append(r.buf, tmp[:rn]...)
			continue
		}
		if rerr != nil {
			t.Fatalf("read from terminus: %v", rerr)
		}
	}
}

// nextOfType skips unrelated traffic (negotiation, auto queries) until the
// wanted message id shows up.
func (r *frameReader) nextOfType(t *testing.T, msgID uint16) *jt808.Frame {
	t.Helper()
	for i := 0; i < 16; i++ {
		f := r.next(t)
		if f.MsgID == msgID {
			return f
		}
	}
	t.Fatalf("0x%04x never arrived", msgID)
	return nil
}

func itVideoBody(t *testing.T, ch, dt, pkg uint8, ts string, payload []byte) []byte {
	t.Helper()
	b := make([]byte, 0, 13+len(payload))
	b = append(b, ch, dt, pkg)
	bcd, err := jt808.EncodeBCD(ts, 6)
	if err != nil {
		t.Fatalf("ts %q: %v", ts, err)
	}
	b = append(b, bcd...)
	b = append(b, 0, 0, 0, 0)
	return append(b, payload...)
}

func itRegisterBody(manufacturer, model, terminalID, plate string) []byte {
	b := make([]byte, 46, 46+len(plate))
	binary.BigEndian.PutUint16(b[0:2], 44)
	binary.BigEndian.PutUint16(b[2:4], 307)
	copy(b[4:9], manufacturer)
	copy(b[9:29], model)
	copy(b[29:45], terminalID)
	b[45] = 1
	return append(b, plate...)
}

func TestIntegration_deviceToGateway(t *testing.T) {
	cfg := &config.Config{
		DeviceTCPHost:        "127.0.0.1",
		VideoServerIP:        "203.0.113.5",
		VideoTCPPort:         7800,
		VideoUDPPort:         7801,
		AuthCode:             "1234567890123456",
		IdleTimeout:          time.Minute,
		ListBufferTimeout:    time.Second,
		FrameChainTimeout:    time.Second,
		NegotiationStep:      10 * time.Second,
		QueryCooldown:        time.Minute,
		MaxDeviceConnections: 8,
		MediaDir:             t.TempDir(),
	}
	cfg.IndexPath = filepath.Join(cfg.MediaDir, "recordings.db")

	bus := mediabus.New()
	srv := session.NewServer(cfg, bus, registry.New())
	rec, err := recorder.New(cfg.MediaDir, cfg.IndexPath)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()
	srv.SetDownloadSink(rec.Store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	var addr net.Addr
	for i := 0; i < 200; i++ {
		if addr = srv.TCPAddr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("device listener never bound")
	}

	gw := &gateway.Gateway{Addr: "127.0.0.1:0", Core: srv, Bus: bus, Index: rec}
	web := httptest.NewServer(gw.Handler())
	defer web.Close()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial device listener: %v", err)
	}
	defer conn.Close()
	dev := &frameReader{c: conn}

	// Power-up flow: register, get the auth code back, authenticate with it.
	sendPkt(t, conn, devFrame(t, jt808.MsgRegister, 1, itRegisterBody("ACME", "DC-900", "DC900-0042", "KA01AB1234")))
	ack := dev.nextOfType(t, jt808.MsgRegisterAck)
	if len(ack.Body) < 18 || binary.BigEndian.Uint16(ack.Body[0:2]) != 0 {
		t.Fatalf("register ack body % x", ack.Body)
	}
	sendPkt(t, conn, devFrame(t, jt808.MsgAuth, 2, ack.Body[2:18]))
	if g := dev.nextOfType(t, jt808.MsgGeneralAck); len(g.Body) < 1 || g.Body[0] != jt808.ResultOK {
		t.Fatalf("general ack body % x", g.Body)
	}

	// One I-frame on channel 2, split across two stream fragments.
	partA := []byte("h264-part-one-")
	partB := []byte("h264-part-two")
	sendPkt(t, conn, devFrame(t, jt808.MsgVideoData, 3, itVideoBody(t, 2, jt808.FrameVideoI, jt808.PackageStart, "260824101500", partA)))
	sendPkt(t, conn, devFrame(t, jt808.MsgVideoData, 4, itVideoBody(t, 2, jt808.FrameVideoI, jt808.PackageEnd, "260824101500", partB)))

	want := append(append([]byte(nil), partA...), partB...)
	var body []byte
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(web.URL + "/api/frame/" + itTerminal + "/2")
		if err != nil {
			t.Fatalf("get frame: %v", err)
		}
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame never reached the gateway: last status %d", resp.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !bytes.Equal(body, want) {
		t.Fatalf("gateway frame = %q, want %q", body, want)
	}

	resp, err := http.Get(web.URL + "/api/devices")
	if err != nil {
		t.Fatalf("get devices: %v", err)
	}
	var devices struct {
		Devices []struct {
			TerminalID    string `json:"terminal_id"`
			Authenticated bool   `json:"authenticated"`
		} `json:"devices"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	resp.Body.Close()
	if devices.Count != 1 || len(devices.Devices) != 1 {
		t.Fatalf("devices = %+v", devices)
	}
	if d := devices.Devices[0]; d.TerminalID != itTerminal || !d.Authenticated {
		t.Fatalf("device = %+v", d)
	}

	resp, err = http.Get(web.URL + "/api/streams")
	if err != nil {
		t.Fatalf("get streams: %v", err)
	}
	var streams struct {
		Streams []struct {
			Device  string `json:"device_id"`
			Channel uint8  `json:"channel"`
		} `json:"streams"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&streams); err != nil {
		t.Fatalf("decode streams: %v", err)
	}
	resp.Body.Close()
	if streams.Count != 1 || streams.Streams[0].Device != itTerminal || streams.Streams[0].Channel != 2 {
		t.Fatalf("streams = %+v", streams)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("terminus never stopped")
	}
}

func TestHexClean(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"7e 02 00", "7e0200"},
		{"0x7E, 0x02, 0x00", "7E0200"},
		{"7e0200\n7e0200", "7e02007e0200"},
		{"  ", ""},
	}
	for _, c := range cases {
		if got := hexClean(c.in); got != c.want {
			t.Errorf("hexClean(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecodeDump(t *testing.T) {
	hb, err := jt808.Build(jt808.MsgHeartbeat, itTerminal, 9, nil)
	if err != nil {
		t.Fatalf("build heartbeat: %v", err)
	}
	video, err := jt808.Build(jt808.MsgVideoData, itTerminal, 10, itVideoBody(t, 1, jt808.FrameVideoI, jt808.PackageEnd, "260824093000", []byte("payload")))
	if err != nil {
		t.Fatalf("build video: %v", err)
	}

	capture := append([]byte{0xDE, 0xAD}, hb...)  // line noise before the first flag
	capture = append(capture, video...)
	capture = append(capture, 0x7E, 0x08) // truncated trailing frame

	if got := decodeDump(capture); got != 2 {
		t.Errorf("decodeDump = %d frames, want 2", got)
	}
	if got := decodeDump(nil); got != 0 {
		t.Errorf("decodeDump(nil) = %d frames, want 0", got)
	}
}

func TestSummarize(t *testing.T) {
	loc := &jt808.Location{LatMicro: 22543300, LonMicro: 114057800, SpeedDec: 605, Heading: 90, Time: "260824120000"}
	cases := []struct {
		msg  jt808.Message
		want []string
	}{
		{jt808.Heartbeat{}, []string{"heartbeat"}},
		{jt808.TerminalAck{ReplySeq: 7, ReplyID: jt808.MsgLiveRequest, Result: 0}, []string{"reply_id=0x9101", "result=0"}},
		{loc, []string{"lat=22.543300", "lon=114.057800", "speed=60.5km/h"}},
		{&jt808.VideoData{Channel: 3, DataType: jt808.FrameAudio, PackageType: jt808.PackageEnd, Timestamp: "260824120000", Payload: []byte("x")}, []string{"ch=3", "type=audio", "pkg=end"}},
		{jt808.Raw{ID: 0x0A00, Body: []byte{1, 2, 3}}, []string{"raw: 3 octet body"}},
	}
	for _, c := range cases {
		got := summarize(c.msg)
		for _, want := range c.want {
			if !strings.Contains(got, want) {
				t.Errorf("summarize(%T) = %q, missing %q", c.msg, got, want)
			}
		}
	}
}

func TestDecodeDumpRoundTripsHex(t *testing.T) {
	pkt, err := jt808.Build(jt808.MsgHeartbeat, itTerminal, 1, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := hex.DecodeString(hexClean(hex.EncodeToString(pkt)))
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	if !bytes.Equal(raw, pkt) {
		t.Fatalf("hex round trip changed the packet")
	}
	if got := decodeDump(raw); got != 1 {
		t.Errorf("decodeDump = %d, want 1", got)
	}
}
