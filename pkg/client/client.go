// Package client is the high-level entry point: it wires the directory,
// channel, circuit, and hidden-service layers together and fetches URLs
// through freshly built circuits.
package client

import (
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/ligun0805/onionpath/pkg/channel"
	"github.com/ligun0805/onionpath/pkg/circuit"
	"github.com/ligun0805/onionpath/pkg/config"
	"github.com/ligun0805/onionpath/pkg/directory"
	"github.com/ligun0805/onionpath/pkg/onion"
)

// Client owns one instance of every subsystem. Nothing here is global: two
// clients in one process stay fully independent.
type Client struct {
	cfg       *config.Config
	dir       *directory.Provider
	channels  *channel.Manager
	circuits  *circuit.Manager
	connector *onion.Connector
}

// New builds a client around the given configuration. A nil cfg selects the
// defaults.
func New(cfg *config.Config) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	dir := directory.NewProvider()
	channels := channel.NewManager(&channel.Dialer{ConnectTimeout: cfg.ConnectTimeout})
	circuits := circuit.NewManager(dir, channels)
	connector := onion.NewConnector(dir, circuits)
	connector.SetStreamPrefs(onion.StreamPrefs{
		PreferIPv6:    cfg.PreferIPv6,
		UseRendezvous: true,
	})
	return &Client{
		cfg:       cfg,
		dir:       dir,
		channels:  channels,
		circuits:  circuits,
		connector: connector,
	}
}

// Bootstrap loads the cached directory snapshot from the cache directory and
// installs it as the current directory.
func (c *Client) Bootstrap() error {
	if err := c.cfg.EnsureDirs(); err != nil {
		return err
	}
	snap, err := directory.LoadSnapshot(c.cfg.CacheDir)
	if err != nil {
		return oops.Wrapf(err, "bootstrap")
	}
	c.dir.SetSnapshot(snap)
	log.WithFields(logrus.Fields{
		"relays":  snap.Len(),
		"version": snap.Version(),
	}).Debug("directory bootstrapped from cache")
	return nil
}

// SaveDirectory persists the current snapshot to the cache directory for the
// next run's bootstrap.
func (c *Client) SaveDirectory() error {
	snap, err := c.dir.Snapshot(directory.Unchecked)
	if err != nil {
		return err
	}
	return directory.SaveSnapshot(c.cfg.CacheDir, snap)
}

// Directory returns the client's directory provider, for installing fresh
// snapshots.
func (c *Client) Directory() *directory.Provider { return c.dir }

// Circuits returns the client's circuit manager.
func (c *Client) Circuits() *circuit.Manager { return c.circuits }

// Channels returns the client's channel manager.
func (c *Client) Channels() *channel.Manager { return c.channels }

// Connector returns the hidden-service connector, for pinning custom paths.
func (c *Client) Connector() *onion.Connector { return c.connector }

// Close shuts down every channel the client holds open.
func (c *Client) Close() {
	c.channels.Close()
}
