package broker

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultPort    = 5671
	DefaultVHost   = "/"
	defaultTimeout = 30 * time.Second
)

// Config holds the broker connection parameters.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	// TLS uses the system trust roots. Set false only for a local plain
	// AMQP broker.
	TLS      bool `yaml:"tls"`
	Prefetch int  `yaml:"prefetch"`
	// DurableQueues declares queues durable and publishes persistent messages.
	DurableQueues  bool          `yaml:"durable_queues"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (c Config) port() int {
	if c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}

func (c Config) vhost() string {
	if c.VHost == "" {
		return DefaultVHost
	}
	return c.VHost
}

func (c Config) timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return defaultTimeout
	}
	return c.ConnectTimeout
}

// Addr is host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

// URL renders the AMQP URI, including credentials.
func (c Config) URL() string {
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.Addr(),
		Path:   "/" + c.vhost(),
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	// "/" as a vhost must be escaped to %2F.
	u.RawPath = "/" + url.PathEscape(c.vhost())
	return u.String()
}

// Redacted renders the URI with the password masked, for logs and errors.
func (c Config) Redacted() string {
	masked := c
	if masked.Password != "" {
		masked.Password = "xxxxx"
	}
	return masked.URL()
}

func (c Config) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: c.Host,
		MinVersion: tls.VersionTLS12,
	}
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("broker host required")
	}
	return nil
}
