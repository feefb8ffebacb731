// Package config loads server settings from DASHCAM_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds device-listener, protocol and expansion settings.
type Config struct {
	// Device-facing listeners
	DeviceTCPHost string // bind host for the device TCP listener
	DeviceTCPPort int
	DeviceUDPPort int
	AuxUDPPorts   []int // extra UDP listeners; duplicates of the main port are ignored

	// What 0x9101 advertises to the device. IP falls back to the accept
	// socket's local address when empty; ports default to the device
	// listener ports.
	VideoServerIP string
	VideoTCPPort  int
	VideoUDPPort  int

	// Protocol behaviour
	TryVideoListFirst bool   // order 0x9205 before live-video negotiation
	AuthCode          string // 16-octet code issued in 0x8100

	// Timeouts and pacing
	IdleTimeout       time.Duration // close a session without frames for this long
	ListBufferTimeout time.Duration // stored-list assembly staleness
	FrameChainTimeout time.Duration // live-frame chain staleness
	NegotiationStep   time.Duration // per-candidate wait before trying the next
	QueryCooldown     time.Duration // minimum spacing between 0x9205 queries

	MaxDeviceConnections int

	// Gateway + recorder
	HTTPAddr  string // gateway listen address; "" disables the gateway
	MediaDir  string // where the recorder writes completed downloads
	IndexPath string // recorder sqlite index; "" = MediaDir/recordings.db
}

// Load reads config from environment. Call LoadEnvFile(".env") before
// Load() to use a .env file.
func Load() *Config {
	c := &Config{
		DeviceTCPHost:        getEnv("DASHCAM_DEVICE_TCP_HOST", "0.0.0.0"),
		DeviceTCPPort:        getEnvInt("DASHCAM_DEVICE_TCP_PORT", 1078),
		DeviceUDPPort:        getEnvInt("DASHCAM_DEVICE_UDP_PORT", 1079),
		AuxUDPPorts:          getEnvIntList("DASHCAM_AUX_UDP_PORTS"),
		VideoServerIP:        os.Getenv("DASHCAM_VIDEO_SERVER_IP"),
		VideoTCPPort:         getEnvInt("DASHCAM_VIDEO_TCP_PORT", 0),
		VideoUDPPort:         getEnvInt("DASHCAM_VIDEO_UDP_PORT", 0),
		TryVideoListFirst:    getEnvBool("DASHCAM_TRY_VIDEO_LIST_FIRST", false),
		AuthCode:             getEnv("DASHCAM_AUTH_CODE", "1234567890123456"),
		IdleTimeout:          getEnvDurationSeconds("DASHCAM_MESSAGE_IDLE_TIMEOUT_S", 300*time.Second),
		ListBufferTimeout:    getEnvDurationSeconds("DASHCAM_LIST_BUFFER_TIMEOUT_S", 10*time.Second),
		FrameChainTimeout:    getEnvDurationSeconds("DASHCAM_FRAME_CHAIN_TIMEOUT_S", 5*time.Second),
		NegotiationStep:      getEnvDurationSeconds("DASHCAM_VIDEO_NEGO_TIMEOUT_S", 5*time.Second),
		QueryCooldown:        getEnvDurationSeconds("DASHCAM_QUERY_COOLDOWN_S", 30*time.Second),
		MaxDeviceConnections: getEnvInt("DASHCAM_MAX_DEVICE_CONNECTIONS", 100),
		HTTPAddr:             getEnv("DASHCAM_HTTP_ADDR", ":8080"),
		MediaDir:             getEnv("DASHCAM_MEDIA_DIR", "./media"),
		IndexPath:            os.Getenv("DASHCAM_INDEX_PATH"),
	}
	if c.DeviceTCPPort <= 0 || c.DeviceTCPPort > 65535 {
		c.DeviceTCPPort = 1078
	}
	if c.DeviceUDPPort <= 0 || c.DeviceUDPPort > 65535 {
		c.DeviceUDPPort = 1079
	}
	if c.VideoTCPPort <= 0 {
		c.VideoTCPPort = c.DeviceTCPPort
	}
	if c.VideoUDPPort <= 0 {
		c.VideoUDPPort = c.DeviceUDPPort
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.ListBufferTimeout <= 0 {
		c.ListBufferTimeout = 10 * time.Second
	}
	if c.FrameChainTimeout <= 0 {
		c.FrameChainTimeout = 5 * time.Second
	}
	if c.NegotiationStep <= 0 {
		c.NegotiationStep = 5 * time.Second
	}
	if c.QueryCooldown < 0 {
		c.QueryCooldown = 0
	}
	if c.MaxDeviceConnections <= 0 {
		c.MaxDeviceConnections = 100
	}
	if len(c.AuthCode) > 16 {
		c.AuthCode = c.AuthCode[:16]
	}
	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(c.MediaDir, "recordings.db")
	}
	return c
}

// UDPPorts returns every UDP port to listen on: the main device port plus
// the aux list, duplicates removed, order preserved.
func (c *Config) UDPPorts() []int {
	seen := map[int]bool{}
	out := make([]int, 0, 1+len(c.AuxUDPPorts))
	for _, p := range append([]int{c.DeviceUDPPort}, c.AuxUDPPorts...) {
		if p <= 0 || p > 65535 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// DeviceTCPAddr returns the host:port the device TCP listener binds.
func (c *Config) DeviceTCPAddr() string {
	return fmt.Sprintf("%s:%d", c.DeviceTCPHost, c.DeviceTCPPort)
}

// LoadEnvFile reads path and sets environment variables for each line
// "KEY=value". Skips empty lines and lines starting with #. Use for .env
// holding DASHCAM_* overrides (keep .env out of git). Path is cleaned
// with filepath.Clean to avoid traversal if path is user-influenced.
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		os.Setenv(key, unquoteEnv(value))
	}
	return sc.Err()
}

func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

// getEnvDurationSeconds reads a plain number of seconds (fractions
// allowed), or a Go duration string like "45s".
func getEnvDurationSeconds(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return defaultVal
		}
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

// getEnvIntList parses a comma-separated list of ints, skipping blanks
// and garbage.
func getEnvIntList(key string) []int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
