package rudp

import (
	"fmt"
	"os"
	"time"

	"github.com/gamevidea/rudp/internal/arq"
	"github.com/gamevidea/rudp/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by clients and servers.
type Config struct {
	// Listen on an IPv6 socket that also accepts IPv4. Only used by servers.
	DualMode bool `yaml:"dual_mode"`

	// OS socket buffer sizes in bytes. Zero keeps the OS default.
	RecvBufferSize int `yaml:"recv_buffer_size"`
	SendBufferSize int `yaml:"send_buffer_size"`

	// Maximum size of a datagram including the channel and cookie.
	MTU int `yaml:"mtu"`

	// ARQ tuning. NoDelay lowers the minimum retransmission timeout, FastResend is the number
	// of skipping acknowledgements that trigger an early retransmission (0 disables it) and
	// CongestionWindow enables the congestion window.
	NoDelay          bool          `yaml:"no_delay"`
	Interval         time.Duration `yaml:"interval"`
	FastResend       int           `yaml:"fast_resend"`
	CongestionWindow bool          `yaml:"congestion_window"`

	// Window sizes in segments.
	SendWindowSize    int `yaml:"send_window_size"`
	ReceiveWindowSize int `yaml:"receive_window_size"`

	// A session that receives nothing for this long is disconnected.
	Timeout time.Duration `yaml:"timeout"`

	// Number of transmissions of a reliable segment after which the link is considered dead.
	MaxRetransmits int `yaml:"max_retransmits"`
}

// Returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DualMode:          true,
		RecvBufferSize:    7 * 1024 * 1024,
		SendBufferSize:    7 * 1024 * 1024,
		MTU:               protocol.DEFAULT_MTU,
		NoDelay:           true,
		Interval:          10 * time.Millisecond,
		FastResend:        0,
		CongestionWindow:  false,
		SendWindowSize:    32,
		ReceiveWindowSize: 128,
		Timeout:           10 * time.Second,
		MaxRetransmits:    20,
	}
}

// Reads the configuration from the given YAML file path. Fields missing from the file keep their
// default value. If the file does not exist, it returns the default configuration with no error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	minMTU := protocol.DATAGRAM_HEADER_SIZE + arq.Overhead + protocol.MESSAGE_HEADER_SIZE + 1

	switch {
	case c.MTU < minMTU || c.MTU > protocol.MAX_MTU_SIZE:
		return fmt.Errorf("%w: mtu %d must be between %d and %d", ErrInvalidConfig, c.MTU, minMTU, protocol.MAX_MTU_SIZE)
	case c.SendWindowSize < 1:
		return fmt.Errorf("%w: send window size %d must be positive", ErrInvalidConfig, c.SendWindowSize)
	case c.ReceiveWindowSize < 2:
		return fmt.Errorf("%w: receive window size %d must be at least 2", ErrInvalidConfig, c.ReceiveWindowSize)
	case c.Interval < time.Millisecond:
		return fmt.Errorf("%w: interval %s must be at least 1ms", ErrInvalidConfig, c.Interval)
	case c.Timeout < time.Millisecond:
		return fmt.Errorf("%w: timeout %s must be at least 1ms", ErrInvalidConfig, c.Timeout)
	case c.MaxRetransmits < 1:
		return fmt.Errorf("%w: max retransmits %d must be positive", ErrInvalidConfig, c.MaxRetransmits)
	case c.FastResend < 0:
		return fmt.Errorf("%w: fast resend %d must not be negative", ErrInvalidConfig, c.FastResend)
	case c.RecvBufferSize < 0 || c.SendBufferSize < 0:
		return fmt.Errorf("%w: socket buffer sizes must not be negative", ErrInvalidConfig)
	}

	return nil
}

// Returns the largest message that can be sent over the reliable channel. A message is split
// into at most one fragment less than the receive window (or the fragment limit of the ARQ
// engine), each carrying what is left of the MTU after the channel, cookie and segment header.
// One byte is taken by the reliable header.
func ReliableMaxMessageSize(mtu, receiveWindowSize int) int {
	fragments := min(receiveWindowSize, arq.MaxFragments) - 1
	return (mtu-protocol.DATAGRAM_HEADER_SIZE-arq.Overhead)*fragments - protocol.MESSAGE_HEADER_SIZE
}

// Returns the largest message that can be sent over the unreliable channel.
func UnreliableMaxMessageSize(mtu int) int {
	return mtu - protocol.DATAGRAM_HEADER_SIZE - protocol.MESSAGE_HEADER_SIZE
}
