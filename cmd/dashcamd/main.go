// Command dashcamd: JT/T 808 dashcam terminus (run), plus offline diagnostics.
//
//	run         Device TCP/UDP listeners, HTTP/WebSocket gateway, download recorder. For systemd.
//	decode      Parse hex 0x7E frames from args or stdin and print the decoded fields
//	recordings  List the recorder index
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ravipangali7/DASHCAM/internal/config"
	"github.com/ravipangali7/DASHCAM/internal/gateway"
	"github.com/ravipangali7/DASHCAM/internal/jt808"
	"github.com/ravipangali7/DASHCAM/internal/mediabus"
	"github.com/ravipangali7/DASHCAM/internal/recorder"
	"github.com/ravipangali7/DASHCAM/internal/registry"
	"github.com/ravipangali7/DASHCAM/internal/session"
)

// msgName maps a message id to its wire name for decode output.
func msgName(id uint16) string {
	switch id {
	case jt808.MsgTerminalAck:
		return "terminal-ack"
	case jt808.MsgHeartbeat:
		return "heartbeat"
	case jt808.MsgLogout:
		return "logout"
	case jt808.MsgRegister:
		return "register"
	case jt808.MsgAuth:
		return "auth"
	case jt808.MsgLocation:
		return "location"
	case jt808.MsgStoredMedia:
		return "stored-media"
	case jt808.MsgUploadInit:
		return "upload-init"
	case jt808.MsgGeneralAck:
		return "general-ack"
	case jt808.MsgHeartbeatAck:
		return "heartbeat-ack"
	case jt808.MsgLocationAck:
		return "location-ack"
	case jt808.MsgRegisterAck:
		return "register-ack"
	case jt808.MsgLiveRequest:
		return "live-request"
	case jt808.MsgDownloadReq:
		return "download-request"
	case jt808.MsgVideoData, jt808.MsgVideoDataB, jt808.MsgVideoDataC:
		return "video-data"
	case jt808.MsgVideoCtrl:
		return "video-control"
	case jt808.MsgListQuery:
		return "list-query"
	}
	return "unknown"
}

func dataTypeName(t uint8) string {
	switch t {
	case jt808.FrameVideoI:
		return "I"
	case jt808.FrameVideoP:
		return "P"
	case jt808.FrameVideoB:
		return "B"
	case jt808.FrameAudio:
		return "audio"
	}
	return fmt.Sprintf("%d", t)
}

func packageTypeName(t uint8) string {
	switch t {
	case jt808.PackageStart:
		return "start"
	case jt808.PackageMiddle:
		return "middle"
	case jt808.PackageEnd:
		return "end"
	}
	return fmt.Sprintf("%d", t)
}

// summarize renders one decoded body as a single line for decode output.
func summarize(m jt808.Message) string {
	switch v := m.(type) {
	case jt808.TerminalAck:
		return fmt.Sprintf("ack: reply_seq=%d reply_id=0x%04X result=%d", v.ReplySeq, v.ReplyID, v.Result)
	case jt808.Heartbeat:
		return "heartbeat"
	case jt808.Logout:
		return "logout"
	case jt808.Register:
		return fmt.Sprintf("register: manufacturer=%q model=%q terminal=%q plate=%q",
			v.Manufacturer, v.Model, v.TerminalID, v.Plate)
	case jt808.Auth:
		return fmt.Sprintf("auth: code=%q", v.Code)
	case *jt808.Location:
		return fmt.Sprintf("location: lat=%.6f lon=%.6f speed=%.1fkm/h heading=%d alarm=0x%08X time=%s",
			v.Latitude(), v.Longitude(), v.SpeedKmh(), v.Heading, v.Alarm, v.Time)
	case jt808.StoredMedia:
		// 0x1205 is ambiguous off the wire; show both readings that fit.
		if list, err := jt808.ParseStoredList(v.Body); err == nil && len(list.Entries) > 0 {
			first := list.Entries[0]
			return fmt.Sprintf("stored list: declared=%d parsed=%d first(ch=%d %s..%s alarm=0x%08X)",
				list.Count, len(list.Entries), first.Channel, first.Start, first.End, first.Alarm)
		}
		if data, err := jt808.ParseStoredVideoData(v.Body); err == nil {
			return fmt.Sprintf("stored video data: ch=%d type=%s payload=%d", data.Channel, dataTypeName(data.DataType), len(data.Payload))
		}
		return fmt.Sprintf("stored media: %d octet body", len(v.Body))
	case jt808.UploadInit:
		return fmt.Sprintf("upload init: ch=%d video_type=%d start=%s", v.Channel, v.VideoType, v.Start)
	case *jt808.VideoData:
		return fmt.Sprintf("video: ch=%d type=%s pkg=%s ts=%s payload=%d",
			v.Channel, dataTypeName(v.DataType), packageTypeName(v.PackageType), v.Timestamp, len(v.Payload))
	case jt808.VideoControl:
		return fmt.Sprintf("video control: ctrl=%d ch=%d type=%d stream=%d", v.Control, v.Channel, v.DataType, v.Stream)
	case jt808.Raw:
		return fmt.Sprintf("raw: %d octet body", len(v.Body))
	}
	return fmt.Sprintf("%T", m)
}

// hexClean strips whitespace, commas and 0x prefixes so pasted captures land
// in hex.DecodeString unchanged.
func hexClean(s string) string {
	s = strings.NewReplacer("0x", "", "0X", "", ",", " ").Replace(s)
	return strings.Join(strings.Fields(s), "")
}

// decodeDump runs Extract over a raw capture and prints every frame found.
// Returns the number of complete frames.
func decodeDump(raw []byte) int {
	buf := raw
	frames := 0
	for {
		f, n, err := jt808.Extract(buf)
		if err != nil {
			log.Printf("  skipped %d byte(s): %v", n, err)
			buf = buf[n:]
			continue
		}
		if f == nil {
			break
		}
		frames++
		bcc := "ok"
		if !f.ChecksumOK {
			bcc = "MISMATCH"
		}
		log.Printf("frame %d: id=0x%04X (%s) terminal=%s seq=%d body=%d bcc=%s",
			frames, f.MsgID, msgName(f.MsgID), f.Terminal, f.Seq, len(f.Body), bcc)
		if f.Fragmented() {
			log.Printf("  fragment %d/%d", f.PackageNumber, f.PackageItems)
		}
		if enc := f.Encrypted(); enc != 0 {
			log.Printf("  encryption field %d (payload not decrypted)", enc)
		}
		msg, err := jt808.Decode(f)
		if err != nil {
			log.Printf("  body decode: %v", err)
		} else {
			log.Printf("  %s", summarize(msg))
		}
		buf = buf[n:]
	}
	if len(buf) > 0 {
		log.Printf("  %d trailing byte(s) without a closing flag", len(buf))
	}
	return frames
}

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[dashcamd] ")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runTCPPort := runCmd.Int("tcp-port", 0, "Device TCP port (default: DASHCAM_DEVICE_TCP_PORT)")
	runUDPPort := runCmd.Int("udp-port", 0, "Device UDP port (default: DASHCAM_DEVICE_UDP_PORT)")
	runHTTP := runCmd.String("http", "", "Gateway listen address (default: DASHCAM_HTTP_ADDR)")
	runNoHTTP := runCmd.Bool("no-http", false, "Disable the HTTP/WebSocket gateway")
	runMedia := runCmd.String("media", "", "Media directory for recorded downloads (default: DASHCAM_MEDIA_DIR)")
	runNoRecorder := runCmd.Bool("no-recorder", false, "Disable the download recorder (completed downloads are dropped)")

	decodeCmd := flag.NewFlagSet("decode", flag.ExitOnError)

	recCmd := flag.NewFlagSet("recordings", flag.ExitOnError)
	recIndex := recCmd.String("index", "", "Index database path (default: DASHCAM_INDEX_PATH or <media>/recordings.db)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <run|decode|recordings> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  run         Device TCP/UDP listeners + gateway + recorder (for systemd)\n")
		fmt.Fprintf(os.Stderr, "  decode      Parse hex 0x7E frames from args or stdin, print the fields\n")
		fmt.Fprintf(os.Stderr, "  recordings  List the recorder index\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if *runTCPPort > 0 {
			cfg.DeviceTCPPort = *runTCPPort
		}
		if *runUDPPort > 0 {
			cfg.DeviceUDPPort = *runUDPPort
		}
		if *runHTTP != "" {
			cfg.HTTPAddr = *runHTTP
		}
		if *runNoHTTP {
			cfg.HTTPAddr = ""
		}
		if *runMedia != "" {
			cfg.MediaDir = *runMedia
			// Re-derive the index default when the media dir moves.
			if os.Getenv("DASHCAM_INDEX_PATH") == "" {
				cfg.IndexPath = filepath.Join(cfg.MediaDir, "recordings.db")
			}
		}

		bus := mediabus.New()
		reg := registry.New()
		srv := session.NewServer(cfg, bus, reg)

		var rec *recorder.Recorder
		if !*runNoRecorder {
			var err error
			rec, err = recorder.New(cfg.MediaDir, cfg.IndexPath)
			if err != nil {
				log.Printf("Recorder init failed: %v", err)
				os.Exit(1)
			}
			srv.SetDownloadSink(rec.Store)
			log.Printf("Recording downloads to %s (index %s)", cfg.MediaDir, cfg.IndexPath)
		} else {
			log.Print("Recorder disabled; completed downloads are dropped")
		}

		go bus.Run(runCtx)

		errc := make(chan error, 2)
		servers := 1
		go func() { errc <- srv.Run(runCtx) }()
		if cfg.HTTPAddr != "" {
			gw := &gateway.Gateway{Addr: cfg.HTTPAddr, Core: srv, Bus: bus}
			if rec != nil {
				gw.Index = rec
			}
			servers++
			go func() { errc <- gw.Run(runCtx) }()
		} else {
			log.Print("Gateway disabled")
		}

		failed := false
		for i := 0; i < servers; i++ {
			if err := <-errc; err != nil {
				log.Printf("Terminus failed: %v", err)
				failed = true
				stop() // bring the other listener down too
			}
		}
		if rec != nil {
			if err := rec.Close(); err != nil {
				log.Printf("Recorder close: %v", err)
			}
		}
		if failed {
			os.Exit(1)
		}

	case "decode":
		_ = decodeCmd.Parse(os.Args[2:])
		input := strings.Join(decodeCmd.Args(), "")
		if input == "" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				log.Printf("Read stdin failed: %v", err)
				os.Exit(1)
			}
			input = string(b)
		}
		raw, err := hex.DecodeString(hexClean(input))
		if err != nil {
			log.Printf("Not hex: %v", err)
			os.Exit(1)
		}
		if decodeDump(raw) == 0 {
			log.Print("No complete frames found")
			os.Exit(1)
		}

	case "recordings":
		_ = recCmd.Parse(os.Args[2:])
		path := *recIndex
		if path == "" {
			path = cfg.IndexPath
		}
		rec, err := recorder.New(cfg.MediaDir, path)
		if err != nil {
			log.Printf("Open index failed: %v", err)
			os.Exit(1)
		}
		defer rec.Close()
		rows, err := rec.List()
		if err != nil {
			log.Printf("List failed: %v", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			log.Printf("No recordings in %s", path)
			return
		}
		log.Printf("%d recording(s) in %s:", len(rows), path)
		for _, r := range rows {
			log.Printf("  #%-4d %s ch%d  %s..%s  %d bytes  %d chunk(s)  %s",
				r.ID, r.Device, r.Channel, r.Start, r.End, r.Bytes, r.Chunks, r.Path)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q. Use run, decode or recordings.\n", os.Args[1])
		os.Exit(1)
	}
}
