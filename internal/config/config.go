// Package config holds the call-client configuration: defaults, optional JSON
// file overlay and validation. CLI flags in cmd/ override file values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Strategy selects the transport used to carry call media.
type Strategy string

const (
	StrategyDirect Strategy = "direct" // pion PeerConnection, offer/answer/ICE over signaling
	StrategyRoom   Strategy = "room"   // SFU room join with a token from the lifecycle service
)

// SignalingKind selects the SignalingChannel implementation.
type SignalingKind string

const (
	SignalingWebSocket SignalingKind = "ws"
	SignalingRedis     SignalingKind = "redis"
)

// Duration is a time.Duration that reads "90s"-style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Call tunes the state machine and negotiator.
type Call struct {
	MaxRetries      int      `json:"maxRetries"`      // transport rebuilds before giving up
	RingTimeout     Duration `json:"ringTimeout"`     // auto-decline window for incoming calls
	GraceDelay      Duration `json:"graceDelay"`      // terminal state display time before idle
	SettleDelay     Duration `json:"settleDelay"`     // wait after cleaning a stray server-side call
	QualityInterval Duration `json:"qualityInterval"` // RTT sampling period while active
	ExcellentRTT    Duration `json:"excellentRtt"`
	GoodRTT         Duration `json:"goodRtt"`
}

// ICE configures peer connection setup.
type ICE struct {
	STUNServers         []string `json:"stunServers"`
	DisconnectedTimeout Duration `json:"disconnectedTimeout"`
	FailedTimeout       Duration `json:"failedTimeout"`
	KeepAliveInterval   Duration `json:"keepAliveInterval"`
}

// Config stores every parameter the call client needs.
type Config struct {
	UserID     string        `json:"userId"`
	Username   string        `json:"username"`
	FullName   string        `json:"fullName"`
	Token      string        `json:"token"`      // bearer token for relay and lifecycle service
	ServiceURL string        `json:"serviceUrl"` // lifecycle REST base URL
	Signaling  SignalingKind `json:"signaling"`
	WSURL      string        `json:"wsUrl"`    // signaling relay URL (ws strategy)
	RedisAddr  string        `json:"redisAddr"` // redis address (redis signaling)
	WHIPURL    string        `json:"whipUrl"`  // SFU WHIP endpoint base (room strategy)
	Strategy   Strategy      `json:"strategy"`
	Media      string        `json:"media"`    // "synthetic" or "device"
	APIAddr    string        `json:"apiAddr"`  // control API listen address
	Call       Call          `json:"call"`
	ICE        ICE           `json:"ice"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		ServiceURL: "http://127.0.0.1:8080",
		Signaling:  SignalingWebSocket,
		WSURL:      "ws://127.0.0.1:8080/ws",
		RedisAddr:  "127.0.0.1:6379",
		Strategy:   StrategyDirect,
		Media:      "synthetic",
		APIAddr:    "127.0.0.1:7070",
		Call: Call{
			MaxRetries:      2,
			RingTimeout:     Duration(90 * time.Second),
			GraceDelay:      Duration(2 * time.Second),
			SettleDelay:     Duration(500 * time.Millisecond),
			QualityInterval: Duration(2 * time.Second),
			ExcellentRTT:    Duration(100 * time.Millisecond),
			GoodRTT:         Duration(300 * time.Millisecond),
		},
		ICE: ICE{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeout: Duration(10 * time.Second),
			FailedTimeout:       Duration(30 * time.Second),
			KeepAliveInterval:   Duration(2 * time.Second),
		},
	}
}

// Load reads a JSON file over the defaults. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the call stack cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("userId is required"))
	}
	switch c.Strategy {
	case StrategyDirect:
	case StrategyRoom:
		if c.WHIPURL == "" {
			errs = append(errs, errors.New("whipUrl is required for the room strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	switch c.Signaling {
	case SignalingWebSocket:
		if c.WSURL == "" {
			errs = append(errs, errors.New("wsUrl is required for ws signaling"))
		}
	case SignalingRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redisAddr is required for redis signaling"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown signaling %q", c.Signaling))
	}
	if c.Media != "synthetic" && c.Media != "device" {
		errs = append(errs, fmt.Errorf("unknown media source %q", c.Media))
	}
	if c.Call.MaxRetries < 0 {
		errs = append(errs, errors.New("call.maxRetries must not be negative"))
	}
	if c.Call.QualityInterval <= 0 {
		errs = append(errs, errors.New("call.qualityInterval must be positive"))
	}
	if c.Call.ExcellentRTT >= c.Call.GoodRTT {
		errs = append(errs, errors.New("call.excellentRtt must be below call.goodRtt"))
	}
	return errors.Join(errs...)
}
