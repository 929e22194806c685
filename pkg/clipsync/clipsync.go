// Package clipsync is the embedding API for the clipboard sync engine. It
// ties an engine to its on-disk configuration: settings load on construction,
// edits to the file apply to the running engine, and pairing is exposed in
// terms of encoded payload strings rather than internal types.
package clipsync

import (
	"strings"

	"go.uber.org/zap"

	"github.com/clipsync/clipsync/internal/api"
	"github.com/clipsync/clipsync/internal/clipboard"
	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/pairing"
	"github.com/clipsync/clipsync/internal/sync"
	"github.com/clipsync/clipsync/pkg/types"
)

// Config holds construction options for a Client.
type Config struct {
	// ConfigPath locates the settings file. Empty means
	// ~/.clipsync/config.json, created with defaults on first run.
	ConfigPath string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Clipboard overrides the OS clipboard. Tests swap in an in-memory
	// implementation; leave nil otherwise.
	Clipboard clipboard.Clipboard

	// WatchConfig applies edits to the settings file to the running
	// engine without a restart.
	WatchConfig bool
}

// Client is one running clipsync device.
type Client struct {
	log        *zap.Logger
	configPath string
	watchCfg   bool

	engine  *sync.Engine
	watcher *config.Watcher
	pairSrv *api.Server

	// Event hooks, optional. All fire on the engine loop and must not
	// block.
	OnPairRequest      func(types.Device)
	OnPaired           func(types.Device)
	OnDeviceDiscovered func(types.Device)
	OnDeviceLost       func(types.Device)
	OnApplied          func(types.HistoryEntry)
	OnConfirmRequired  func(types.ClipboardContent)
}

// NewClient loads settings from disk and assembles an engine around them.
// Nothing starts until Start.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	path := cfg.ConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	settings, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	engine, err := sync.New(sync.Options{
		Settings:  settings,
		Clipboard: cfg.Clipboard,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:        log,
		configPath: path,
		watchCfg:   cfg.WatchConfig,
		engine:     engine,
	}

	// The engine hooks are bound once here; the Client fields can be set
	// or swapped at any point before the event fires.
	engine.OnPairRequest = func(d types.Device) { call(c.OnPairRequest, d) }
	engine.OnPaired = func(d types.Device) { call(c.OnPaired, d) }
	engine.OnDeviceDiscovered = func(d types.Device) { call(c.OnDeviceDiscovered, d) }
	engine.OnDeviceLost = func(d types.Device) { call(c.OnDeviceLost, d) }
	engine.OnApplied = func(h types.HistoryEntry) { call(c.OnApplied, h) }
	engine.OnConfirmRequired = func(cc types.ClipboardContent) { call(c.OnConfirmRequired, cc) }

	return c, nil
}

func call[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}

// Start brings the engine up, joins the configured relay room if relay is
// enabled, and begins watching the config file when requested. Neither an
// unreachable relay nor a failed watch keeps the engine from running.
func (c *Client) Start() error {
	if err := c.engine.Start(); err != nil {
		return err
	}

	s := c.engine.Settings()
	if s.EnableRelay && s.RelayRoom != "" {
		if err := c.engine.JoinRelay(s.RelayRoom, ""); err != nil {
			c.log.Warn("relay join failed", zap.Error(err))
		}
	}

	if c.watchCfg {
		w, err := config.Watch(c.configPath, c.log, c.engine.UpdateSettings)
		if err != nil {
			c.log.Warn("config watch unavailable", zap.Error(err))
		} else {
			c.watcher = w
		}
	}
	return nil
}

// Close stops the config watcher, the pairing page and the engine.
func (c *Client) Close() error {
	if c.watcher != nil {
		c.watcher.Close()
		c.watcher = nil
	}
	if c.pairSrv != nil {
		c.pairSrv.Stop()
		c.pairSrv = nil
	}
	c.engine.Stop()
	return nil
}

// DeviceID returns this device's identifier.
func (c *Client) DeviceID() string {
	return c.engine.DeviceID()
}

// DeviceName returns the name announced to peers.
func (c *Client) DeviceName() string {
	return c.engine.DeviceName()
}

// Port returns the transport listen port, 0 before Start.
func (c *Client) Port() int {
	return c.engine.Port()
}

// Settings returns a copy of the engine's active settings.
func (c *Client) Settings() config.Settings {
	return c.engine.Settings()
}

// UpdateSettings applies new settings to the running engine. The file on
// disk is not touched; use config.Save for that.
func (c *Client) UpdateSettings(s config.Settings) {
	c.engine.UpdateSettings(s)
}

// PairingCode returns the encoded payload another device pastes or scans to
// pair with this one. With public set, the externally visible address is
// used instead of the LAN address.
func (c *Client) PairingCode(public bool) (string, error) {
	p, err := c.engine.PairingPayload(public)
	if err != nil {
		return "", err
	}
	return p.Encode()
}

// PairingQR renders the pairing payload as a PNG QR code.
func (c *Client) PairingQR(public bool) ([]byte, error) {
	p, err := c.engine.PairingPayload(public)
	if err != nil {
		return nil, err
	}
	return pairing.QRCode(p)
}

// StartPairingServer serves a browser pairing page: a device without
// clipsync installed opens the returned URL to see this device's QR code
// and pairing code. Port 0 picks a free port. The page runs until Close;
// calling this again returns the running page's URL.
func (c *Client) StartPairingServer(port int) (string, error) {
	if c.pairSrv != nil {
		return c.pairSrv.URL(), nil
	}

	srv := api.NewServer(c.engine, c.log)
	if _, err := srv.Start(c.engine.Settings().ListenHost, port); err != nil {
		return "", err
	}
	c.pairSrv = srv
	return srv.URL(), nil
}

// Pair connects to another device and exchanges keys. The target is either
// a pairing code produced by PairingCode, or a bare host:port.
func (c *Client) Pair(target string) (types.Device, error) {
	if strings.HasPrefix(strings.TrimSpace(target), "{") {
		p, err := pairing.Parse(target)
		if err != nil {
			return types.Device{}, err
		}
		return c.engine.PairWithPayload(p)
	}
	return c.engine.PairWith(target)
}

// Approve allows a held pairing request from deviceID to succeed on retry.
func (c *Client) Approve(deviceID string) {
	c.engine.Approve(deviceID)
}

// PendingRequests lists devices whose pairing requests are held for
// approval.
func (c *Client) PendingRequests() []types.Device {
	return c.engine.PendingRequests()
}

// Unpair forgets a paired device.
func (c *Client) Unpair(deviceID string) {
	c.engine.Unpair(deviceID)
}

// Devices lists every device heard on the local network.
func (c *Client) Devices() []types.Device {
	return c.engine.Devices()
}

// PairedDevices lists devices paired in this session.
func (c *Client) PairedDevices() []types.Device {
	return c.engine.PairedDevices()
}

// History returns recent sync activity, newest last.
func (c *Client) History(limit int) []types.HistoryEntry {
	return c.engine.History(limit)
}

// LocalHistory returns the recent local clipboard window.
func (c *Client) LocalHistory(limit int) []types.ClipboardContent {
	return c.engine.LocalHistory(limit)
}

// ClearHistory drops sync and clipboard history.
func (c *Client) ClearHistory() {
	c.engine.ClearHistory()
}

// JoinRelay connects to the configured relay server and joins a room. An
// empty password leaves room traffic unencrypted.
func (c *Client) JoinRelay(roomID, password string) error {
	return c.engine.JoinRelay(roomID, password)
}

// RelayConnected reports whether a live relay room connection exists.
func (c *Client) RelayConnected() bool {
	return c.engine.RelayConnected()
}

// LeaveRelay disconnects from the relay room, if joined.
func (c *Client) LeaveRelay() {
	c.engine.LeaveRelay()
}
