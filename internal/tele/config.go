package tele

import (
	"crypto/tls"
	"crypto/x509"
	"net/url"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/device"
)

const (
	TransportGomqtt = "gomqtt"
	TransportPaho   = "paho"

	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
)

// Config is `mqtt` section of bridge config.
type Config struct { //nolint:maligned
	Transport         string `hcl:"transport"`
	Broker            string `hcl:"broker"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	ClientID          string `hcl:"client_id"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	QOS               int    `hcl:"qos"`
	TopicPrefix       string `hcl:"topic_prefix"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	LogDebug          bool   `hcl:"log_debug"`
}

func (c *Config) Prefix() string {
	if c.TopicPrefix == "" {
		return device.DefaultTopicPrefix
	}
	return c.TopicPrefix
}

func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}

// NetworkTimeout is at least one second.
func (c *Config) NetworkTimeout() time.Duration {
	d := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "", TransportGomqtt, TransportPaho:
	default:
		return errors.NotValidf("mqtt transport=%q", c.Transport)
	}
	if _, err := url.ParseRequestURI(c.Broker); err != nil {
		return errors.NewNotValid(err, "mqtt broker="+c.Broker)
	}
	if c.QOS < 0 || c.QOS > 1 {
		return errors.NotValidf("mqtt qos=%d", c.QOS)
	}
	return nil
}

// TLSConfig is nil when no CA file is configured.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.TlsCaFile == "" {
		return nil, nil
	}
	cabytes, err := os.ReadFile(c.TlsCaFile)
	if err != nil {
		return nil, errors.Annotate(err, "mqtt TLS")
	}
	conf := &tls.Config{RootCAs: x509.NewCertPool()}
	if !conf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("mqtt TLS CA file=%s", c.TlsCaFile)
	}
	return conf, nil
}
