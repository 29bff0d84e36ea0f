package events

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	Token          string        `mapstructure:"token"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	MaxReconnect   int           `mapstructure:"max_reconnect"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	conn   conn
	prefix string
}

func ConnectNATS(cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Warn("NATS connection closed")
		}),
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSEnabled {
		opts = append(opts, nats.Secure())
	}

	url := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		url = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("NATS publisher connected", "url", nc.ConnectedUrl())
	return newNATSPublisher(nc, cfg.SubjectPrefix), nil
}

func newNATSPublisher(c conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "relay"
	}
	return &NATSPublisher{conn: c, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event of type t is published on.
func (p *NATSPublisher) Subject(t string) string {
	return p.prefix + "." + t
}

func (p *NATSPublisher) Publish(evt Event) {
	data, err := evt.Marshal()
	if err != nil {
		logDropped(evt, err)
		return
	}
	if err := p.conn.Publish(p.Subject(evt.Type), data); err != nil {
		logDropped(evt, err)
	}
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
		p.conn.Close()
	}
}
