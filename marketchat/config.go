package marketchat

import (
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config controls how the SDK connects and paces itself.
type Config struct {
	SocketURL   string // e.g. ws://localhost:8000/ws/messaging/
	RESTBaseURL string // e.g. http://localhost:8000/api/messaging
	Token       string // bearer credential for both REST and socket
	UserID      int64  // authenticated user; learned from connection_established when zero

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables; keepalive covers idle links
	WriteTimeout     time.Duration

	PingInterval time.Duration
	StaleAfter   time.Duration // force reconnect when no pong for this long; 0 disables

	ReconnectBaseDelay time.Duration
	MaxReconnectDelay  time.Duration
	MaxReconnectTries  int

	SendTimeout        time.Duration
	MatchWindow        time.Duration
	TypingDebounce     time.Duration
	ConnectWaitTimeout time.Duration // 0 waits for ctx alone
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SocketURL:          "ws://localhost:8000/ws/messaging/",
		RESTBaseURL:        "http://localhost:8000/api/messaging",
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		PingInterval:       30 * time.Second,
		ReconnectBaseDelay: time.Second,
		MaxReconnectDelay:  30 * time.Second,
		MaxReconnectTries:  5,
		SendTimeout:        10 * time.Second,
		MatchWindow:        60 * time.Second,
		TypingDebounce:     500 * time.Millisecond,
		ConnectWaitTimeout: 5 * time.Second,
	}
}

// ApplyEnv overrides fields from MARKETCHAT_* environment variables when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MARKETCHAT_WS_URL"); v != "" {
		c.SocketURL = v
	}
	if v := os.Getenv("MARKETCHAT_API_URL"); v != "" {
		c.RESTBaseURL = v
	}
	if v := os.Getenv("MARKETCHAT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("MARKETCHAT_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.UserID = id
		}
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.SocketURL == "" {
		return NewError(ErrorInvalidConfig, "empty socket URL")
	}
	u, err := url.Parse(c.SocketURL)
	if err != nil {
		return WrapError(ErrorInvalidConfig, "parse socket URL", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return NewError(ErrorInvalidConfig, "socket URL scheme must be ws or wss")
	}
	if c.ReconnectBaseDelay <= 0 || c.MaxReconnectDelay < c.ReconnectBaseDelay {
		return NewError(ErrorInvalidConfig, "reconnect delays must be positive and ordered")
	}
	if c.MaxReconnectTries < 0 {
		return NewError(ErrorInvalidConfig, "negative reconnect tries")
	}
	if c.PingInterval <= 0 || c.SendTimeout <= 0 || c.TypingDebounce <= 0 {
		return NewError(ErrorInvalidConfig, "ping interval, send timeout and typing debounce must be positive")
	}
	if c.MatchWindow <= 0 {
		return NewError(ErrorInvalidConfig, "match window must be positive")
	}
	if c.ConnectWaitTimeout < 0 {
		return NewError(ErrorInvalidConfig, "negative connect wait timeout")
	}
	return nil
}

// socketURL appends the credential as the token query parameter.
func (c Config) socketURL(credential string) (string, error) {
	u, err := url.Parse(c.SocketURL)
	if err != nil {
		return "", WrapError(ErrorInvalidConfig, "parse socket URL", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
