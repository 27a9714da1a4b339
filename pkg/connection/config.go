package connection

import (
	"net/url"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/simperium/simperium.go/internal/rand"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/metrics"
)

// DefaultURL is the public sync endpoint. The app id is appended by Endpoint.
const DefaultURL = "wss://api.simperium.com/sock/1"

// DefaultDialer is the gorilla dialer used when Config.Dialer is nil.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

type Config struct {
	// URL is the websocket endpoint, including the app id.
	URL *url.URL

	AppID string
	// Token is the access token sent in every channel's init.
	Token string
	// ClientID identifies this installation. Changes sent with it are
	// recognised as our own when the server echoes them.
	ClientID string

	// HeartbeatInterval is how often a heartbeat is sent. The connection is
	// considered dead after three intervals without a frame.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	Retryer Retryer
	Dialer  *gorilla.Dialer
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

func NewConfig(u *url.URL) *Config {
	return &Config{
		URL:               u,
		ClientID:          rand.NewClientID(constants.LibraryName),
		HeartbeatInterval: constants.DefaultHeartbeatInterval,
		WriteTimeout:      constants.DefaultWSTimeout,
		Retryer:           NewExponentialBackoffRetryer(),
		Dialer:            DefaultDialer,
		Logger:            logger.Nop(),
	}
}

// Endpoint returns the websocket URL of appID under base, for example
// wss://api.simperium.com/sock/1/<app>/websocket.
func Endpoint(base, appID string) (*url.URL, error) {
	if appID == "" {
		return nil, constants.ErrNoAppID
	}
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case constants.WebsocketScheme, constants.SecureWebsocketScheme:
	case "http":
		u.Scheme = constants.WebsocketScheme
	case "https":
		u.Scheme = constants.SecureWebsocketScheme
	default:
		return nil, &url.Error{Op: "parse", URL: base, Err: errUnsupportedScheme}
	}
	return u.JoinPath(appID, "websocket"), nil
}

func (c *Config) validate() error {
	if c.URL == nil {
		return constants.ErrNoURL
	}
	if c.AppID == "" {
		return constants.ErrNoAppID
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.ClientID == "" {
		out.ClientID = rand.NewClientID(constants.LibraryName)
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = constants.DefaultWSTimeout
	}
	if out.Retryer == nil {
		out.Retryer = NewExponentialBackoffRetryer()
	}
	if out.Dialer == nil {
		out.Dialer = DefaultDialer
	}
	if out.Logger == nil {
		out.Logger = logger.Nop()
	}
	return &out
}
