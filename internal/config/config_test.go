package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.DeviceTCPHost != "0.0.0.0" || c.DeviceTCPPort != 1078 || c.DeviceUDPPort != 1079 {
		t.Errorf("listener defaults: %s:%d udp %d", c.DeviceTCPHost, c.DeviceTCPPort, c.DeviceUDPPort)
	}
	if c.VideoTCPPort != 1078 || c.VideoUDPPort != 1079 {
		t.Errorf("video ports should follow device ports: %d/%d", c.VideoTCPPort, c.VideoUDPPort)
	}
	if c.IdleTimeout != 300*time.Second {
		t.Errorf("IdleTimeout default: %v", c.IdleTimeout)
	}
	if c.ListBufferTimeout != 10*time.Second || c.FrameChainTimeout != 5*time.Second {
		t.Errorf("assembly timeouts: %v/%v", c.ListBufferTimeout, c.FrameChainTimeout)
	}
	if c.NegotiationStep != 5*time.Second || c.QueryCooldown != 30*time.Second {
		t.Errorf("pacing defaults: %v/%v", c.NegotiationStep, c.QueryCooldown)
	}
	if c.MaxDeviceConnections != 100 {
		t.Errorf("MaxDeviceConnections default: %d", c.MaxDeviceConnections)
	}
	if c.TryVideoListFirst {
		t.Error("TryVideoListFirst should default false")
	}
	if c.AuthCode != "1234567890123456" {
		t.Errorf("AuthCode default: %q", c.AuthCode)
	}
	if c.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr default: %q", c.HTTPAddr)
	}
	if c.IndexPath != filepath.Join("./media", "recordings.db") {
		t.Errorf("IndexPath default: %q", c.IndexPath)
	}
	if c.DeviceTCPAddr() != "0.0.0.0:1078" {
		t.Errorf("DeviceTCPAddr = %q", c.DeviceTCPAddr())
	}
}

func TestLoadExplicit(t *testing.T) {
	os.Clearenv()
	os.Setenv("DASHCAM_DEVICE_TCP_PORT", "2222")
	os.Setenv("DASHCAM_DEVICE_UDP_PORT", "2223")
	os.Setenv("DASHCAM_VIDEO_SERVER_IP", "203.0.113.9")
	os.Setenv("DASHCAM_VIDEO_TCP_PORT", "7100")
	os.Setenv("DASHCAM_TRY_VIDEO_LIST_FIRST", "true")
	os.Setenv("DASHCAM_MESSAGE_IDLE_TIMEOUT_S", "120")
	os.Setenv("DASHCAM_QUERY_COOLDOWN_S", "45.5")
	os.Setenv("DASHCAM_MAX_DEVICE_CONNECTIONS", "7")
	c := Load()
	if c.DeviceTCPPort != 2222 || c.DeviceUDPPort != 2223 {
		t.Errorf("ports: %d/%d", c.DeviceTCPPort, c.DeviceUDPPort)
	}
	if c.VideoServerIP != "203.0.113.9" {
		t.Errorf("VideoServerIP: %q", c.VideoServerIP)
	}
	if c.VideoTCPPort != 7100 {
		t.Errorf("VideoTCPPort: %d", c.VideoTCPPort)
	}
	if c.VideoUDPPort != 2223 {
		t.Errorf("VideoUDPPort should follow device UDP port: %d", c.VideoUDPPort)
	}
	if !c.TryVideoListFirst {
		t.Error("TryVideoListFirst should be true")
	}
	if c.IdleTimeout != 120*time.Second {
		t.Errorf("IdleTimeout: %v", c.IdleTimeout)
	}
	if c.QueryCooldown != time.Duration(45.5*float64(time.Second)) {
		t.Errorf("QueryCooldown: %v", c.QueryCooldown)
	}
	if c.MaxDeviceConnections != 7 {
		t.Errorf("MaxDeviceConnections: %d", c.MaxDeviceConnections)
	}
}

func TestLoadClampsNonsense(t *testing.T) {
	os.Clearenv()
	os.Setenv("DASHCAM_DEVICE_TCP_PORT", "-4")
	os.Setenv("DASHCAM_MESSAGE_IDLE_TIMEOUT_S", "-1")
	os.Setenv("DASHCAM_MAX_DEVICE_CONNECTIONS", "0")
	os.Setenv("DASHCAM_AUTH_CODE", "0123456789ABCDEF-overlong")
	c := Load()
	if c.DeviceTCPPort != 1078 {
		t.Errorf("negative port not clamped: %d", c.DeviceTCPPort)
	}
	if c.IdleTimeout != 300*time.Second {
		t.Errorf("negative timeout not clamped: %v", c.IdleTimeout)
	}
	if c.MaxDeviceConnections != 100 {
		t.Errorf("zero cap not clamped: %d", c.MaxDeviceConnections)
	}
	if c.AuthCode != "0123456789ABCDEF" {
		t.Errorf("auth code not truncated: %q", c.AuthCode)
	}
}

func TestUDPPortsDeduplicated(t *testing.T) {
	os.Clearenv()
	os.Setenv("DASHCAM_DEVICE_UDP_PORT", "1079")
	os.Setenv("DASHCAM_AUX_UDP_PORTS", "1080, 1079, 1089, garbage, -5, 1080")
	c := Load()
	got := c.UDPPorts()
	want := []int{1079, 1080, 1089}
	if len(got) != len(want) {
		t.Fatalf("UDPPorts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UDPPorts = %v, want %v", got, want)
		}
	}
}

func TestGetEnvDurationSeconds(t *testing.T) {
	os.Clearenv()
	os.Setenv("DASHCAM_LIST_BUFFER_TIMEOUT_S", "2.5")
	if c := Load(); c.ListBufferTimeout != 2500*time.Millisecond {
		t.Errorf("fractional seconds: %v", c.ListBufferTimeout)
	}
	os.Setenv("DASHCAM_LIST_BUFFER_TIMEOUT_S", "45s")
	if c := Load(); c.ListBufferTimeout != 45*time.Second {
		t.Errorf("duration string: %v", c.ListBufferTimeout)
	}
	os.Setenv("DASHCAM_LIST_BUFFER_TIMEOUT_S", "junk")
	if c := Load(); c.ListBufferTimeout != 10*time.Second {
		t.Errorf("junk should fall back: %v", c.ListBufferTimeout)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nonexistent")); err != nil {
		t.Fatalf("missing file should return nil: %v", err)
	}
}

func TestLoadEnvFileSetsEnv(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "DASHCAM_DEVICE_TCP_PORT=2222\n# comment\nDASHCAM_VIDEO_SERVER_IP=\"198.51.100.7\"\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	c := Load()
	if c.DeviceTCPPort != 2222 {
		t.Errorf("port from .env: %d", c.DeviceTCPPort)
	}
	if c.VideoServerIP != "198.51.100.7" {
		t.Errorf("quoted value not unquoted: %q", c.VideoServerIP)
	}
}
