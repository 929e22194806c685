// Package sync coordinates the clipboard monitor, crypto engine, discovery
// and transport into one synchronization engine. All engine state changes
// run on a single loop goroutine; the monitor, transport readers and
// discovery callbacks hand work to it instead of sharing state.
package sync

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipsync/clipsync/internal/clipboard"
	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/crypto"
	"github.com/clipsync/clipsync/internal/discovery"
	"github.com/clipsync/clipsync/internal/pairing"
	"github.com/clipsync/clipsync/internal/relay"
	"github.com/clipsync/clipsync/internal/transport"
	"github.com/clipsync/clipsync/pkg/types"
)

const (
	// suppressTTL bounds how long a remote write can suppress the echo
	// the monitor reports for it.
	suppressTTL = 500 * time.Millisecond

	pairTimeout       = 10 * time.Second
	historyMax        = 1000
	transportStopWait = 3 * time.Second
	loopJoinWait      = 5 * time.Second
)

var (
	// ErrPairRejected means the remote device declined the pairing
	// request, or holds it for manual approval.
	ErrPairRejected = errors.New("sync: pairing rejected by remote device")
	// ErrPairTimeout means the remote device never answered.
	ErrPairTimeout = errors.New("sync: pairing timed out")
	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("sync: engine not running")
)

// Options configures a new Engine. Zero-value fields get defaults: the
// system clipboard, a no-op logger and a device id derived from the host.
type Options struct {
	Settings  config.Settings
	Clipboard clipboard.Clipboard
	Logger    *zap.Logger

	// DeviceID overrides the derived device identity. Needed when several
	// engines share one process, as in tests.
	DeviceID string
}

// Engine owns the full sync pipeline for one device.
type Engine struct {
	log *zap.Logger

	crypto    *crypto.Engine
	clip      clipboard.Clipboard
	monitor   *clipboard.Monitor
	discovery *discovery.Discovery
	transport *transport.Transport

	suppress suppressToken
	history  *history

	// Hooks for an outer surface (CLI, tray app). Set before Start; all
	// are invoked on the engine loop and must not block.
	OnPairRequest      func(types.Device)
	OnPaired           func(types.Device)
	OnDeviceDiscovered func(types.Device)
	OnDeviceLost       func(types.Device)
	OnApplied          func(types.HistoryEntry)
	// OnConfirmRequired receives content held back because the settings
	// demand confirmation for its type. The engine never prompts; a
	// confirmation surface belongs to the layer above.
	OnConfirmRequired func(types.ClipboardContent)

	mu          sync.RWMutex
	loop        *runLoop
	settings    config.Settings
	running     bool
	paired      map[string]types.Device
	pending     map[string]types.Device
	approved    map[string]bool
	awaitPair   map[string]chan transport.PairResponse
	relayClient *relay.Client
	gateway     *pairing.Gateway
	mappedPort  int
}

// New assembles an engine from its parts. Nothing starts until Start.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clip := opts.Clipboard
	if clip == nil {
		clip = clipboard.NewSystemClipboard()
	}

	var ce *crypto.Engine
	var err error
	if opts.DeviceID != "" {
		ce, err = crypto.NewEngineWithID(opts.DeviceID)
	} else {
		ce, err = crypto.NewEngine()
	}
	if err != nil {
		return nil, fmt.Errorf("create crypto engine: %w", err)
	}

	settings := opts.Settings
	if settings.DeviceName == "" {
		id := ce.DeviceID()
		if len(id) > 8 {
			id = id[:8]
		}
		settings.DeviceName = "Device-" + id
	}

	e := &Engine{
		log:       log,
		crypto:    ce,
		clip:      clip,
		settings:  settings,
		history:   newHistory(historyMax),
		paired:    make(map[string]types.Device),
		pending:   make(map[string]types.Device),
		approved:  make(map[string]bool),
		awaitPair: make(map[string]chan transport.PairResponse),
	}

	e.monitor = clipboard.NewMonitor(ce.DeviceID(), clip, e.onLocalChange, log)
	if settings.PollIntervalMS > 0 {
		e.monitor.SetPollInterval(time.Duration(settings.PollIntervalMS) * time.Millisecond)
	}

	e.discovery = discovery.New(ce.DeviceID(), settings.DeviceName, log)
	e.discovery.OnDiscovered = e.onDeviceDiscovered
	e.discovery.OnLost = e.onDeviceLost

	e.transport = transport.New(log)
	e.transport.OnMessage = e.onPeerMessage
	e.transport.OnDisconnect = e.onPeerDisconnect

	return e, nil
}

// Start brings up the transport, discovery and clipboard monitor. Starting
// a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.loop = newRunLoop()
	host := e.settings.ListenHost
	e.mu.Unlock()

	port, err := e.transport.Listen(host, 0)
	if err != nil {
		e.abortStart()
		return fmt.Errorf("start transport: %w", err)
	}

	// Discovery is best-effort: on networks without multicast the engine
	// still runs, devices just have to pair manually or over the relay.
	e.discovery.SetPort(port)
	if err := e.discovery.Start(); err != nil {
		e.log.Warn("discovery unavailable, manual pairing only", zap.Error(err))
	}

	e.monitor.Start()

	e.log.Info("sync engine started",
		zap.String("device_id", e.crypto.DeviceID()),
		zap.Int("port", port))
	return nil
}

func (e *Engine) abortStart() {
	e.mu.Lock()
	loop := e.loop
	e.loop = nil
	e.running = false
	e.mu.Unlock()

	if loop != nil {
		loop.Stop()
		loop.Join(loopJoinWait)
	}
}

// Stop tears the engine down: monitor first so no new local changes are
// queued, then network, then the loop itself. Teardown problems are logged
// and swallowed so Stop always completes and Start can run again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	loop := e.loop
	e.mu.Unlock()

	e.monitor.Stop()

	if !loop.SubmitWait(func() {
		e.mu.Lock()
		client := e.relayClient
		e.relayClient = nil
		e.mu.Unlock()
		if client != nil {
			client.Close()
		}
		if err := e.transport.Stop(); err != nil {
			e.log.Warn("transport stop failed", zap.Error(err))
		}
	}, transportStopWait) {
		e.log.Warn("transport stop timed out")
		e.transport.Stop()
	}

	e.discovery.Stop()

	e.mu.Lock()
	gw, mapped := e.gateway, e.mappedPort
	e.gateway, e.mappedPort = nil, 0
	e.mu.Unlock()
	if gw != nil {
		if err := gw.UnmapPort(mapped); err != nil {
			e.log.Debug("gateway port unmap failed", zap.Error(err))
		}
	}

	loop.Stop()
	if !loop.Join(loopJoinWait) {
		e.log.Warn("engine loop did not drain in time")
	}

	e.mu.Lock()
	e.loop = nil
	e.mu.Unlock()

	e.log.Info("sync engine stopped")
}

// submit hands work to the engine loop, dropping it with a log line when
// the engine is stopped.
func (e *Engine) submit(name string, task func()) {
	e.mu.RLock()
	loop := e.loop
	e.mu.RUnlock()

	if loop == nil || !loop.Submit(task) {
		e.log.Debug("engine stopped, dropping work", zap.String("task", name))
	}
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) currentSettings() config.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// onLocalChange receives clipboard changes from the monitor's poll
// goroutine and moves them onto the engine loop.
func (e *Engine) onLocalChange(content types.ClipboardContent) {
	e.submit("local_change", func() { e.syncLocal(content) })
}

func (e *Engine) syncLocal(content types.ClipboardContent) {
	if e.suppress.Match(content.Text(), content.Fingerprint) {
		e.log.Debug("suppressed echo of remote update",
			zap.String("type", string(content.Type)))
		return
	}

	settings := e.currentSettings()
	if !settings.AutoSync {
		return
	}
	if textual(content.Type) && !settings.SyncText {
		return
	}
	if content.Type == types.ContentImage && !settings.SyncImages {
		return
	}
	if content.Type == types.ContentFile && !settings.SyncFiles {
		return
	}
	if settings.RequireConfirmation &&
		(content.Type == types.ContentFile || content.Type == types.ContentPassword) {
		e.log.Info("content held for confirmation",
			zap.String("type", string(content.Type)))
		if e.OnConfirmRequired != nil {
			e.OnConfirmRequired(content)
		}
		return
	}
	if max := settings.MaxSizeMB * 1024 * 1024; max > 0 && len(content.Content) > max {
		e.log.Warn("content exceeds size limit, not syncing",
			zap.Int("size", len(content.Content)),
			zap.Int("limit_mb", settings.MaxSizeMB))
		return
	}

	if peers := e.crypto.Peers(); len(peers) > 0 {
		e.broadcastToPeers(content)
	}
	e.sendToRelay(content, settings)
}

func (e *Engine) sendToRelay(content types.ClipboardContent, settings config.Settings) {
	e.mu.RLock()
	relayClient := e.relayClient
	e.mu.RUnlock()
	if relayClient == nil {
		return
	}

	var payload []byte
	var contentType string
	switch {
	case textual(content.Type):
		payload = content.Content
		contentType = string(content.Type)
	case content.Type == types.ContentImage:
		payload = []byte("data:image/png;base64," + base64.StdEncoding.EncodeToString(content.Content))
		contentType = string(types.ContentImage)
	default:
		return
	}

	if err := relayClient.SendClipboard(payload, contentType); err != nil {
		e.log.Warn("relay send failed", zap.Error(err))
		return
	}
	e.history.Add("sent", content.Type, "relay", len(content.Content))
}

func textual(ct types.ContentType) bool {
	switch ct {
	case types.ContentText, types.ContentCode, types.ContentURL,
		types.ContentJSON, types.ContentHTML:
		return true
	}
	return false
}

func (e *Engine) broadcastToPeers(content types.ClipboardContent) {
	env, err := e.crypto.Encrypt(content.Content, content.Type)
	if err != nil {
		e.log.Error("encrypt clipboard content", zap.Error(err))
		return
	}
	env.Metadata = content.Metadata
	env.Timestamp = content.Timestamp

	msg, err := transport.NewMessage(transport.TypeClipboardSync, env)
	if err != nil {
		e.log.Error("encode clipboard message", zap.Error(err))
		return
	}

	reached := e.transport.Broadcast(msg, func(deviceID string) bool {
		_, ok := env.Keys[deviceID]
		return ok
	})
	if len(reached) == 0 {
		return
	}

	e.history.Add("sent", content.Type, strings.Join(reached, ","), len(content.Content))
	e.log.Info("clipboard sent",
		zap.String("type", string(content.Type)),
		zap.Int("size", len(content.Content)),
		zap.Int("peers", len(reached)))
}

// onPeerMessage decodes transport envelopes on the reader goroutine and
// queues the handling work on the engine loop.
func (e *Engine) onPeerMessage(peerID string, msg transport.Message) {
	switch msg.Type {
	case transport.TypePairRequest:
		var req transport.PairRequest
		if err := msg.Decode(&req); err != nil {
			e.log.Warn("malformed pair request", zap.Error(err))
			return
		}
		e.submit("pair_request", func() { e.handlePairRequest(peerID, req) })

	case transport.TypePairResponse:
		var resp transport.PairResponse
		if err := msg.Decode(&resp); err != nil {
			e.log.Warn("malformed pair response", zap.Error(err))
			return
		}
		e.submit("pair_response", func() { e.handlePairResponse(peerID, resp) })

	case transport.TypeClipboardSync:
		var env crypto.Envelope
		if err := msg.Decode(&env); err != nil {
			e.log.Warn("malformed clipboard message", zap.Error(err))
			return
		}
		e.submit("clipboard_sync", func() { e.applyRemote(peerID, &env) })

	case transport.TypeSyncAck:
		var ack transport.SyncAck
		if err := msg.Decode(&ack); err != nil {
			return
		}
		if ack.Success {
			e.log.Debug("sync acknowledged", zap.String("peer", peerID))
		} else {
			e.log.Warn("peer rejected sync",
				zap.String("peer", peerID), zap.String("error", ack.Error))
		}

	default:
		e.log.Debug("ignoring unknown message", zap.String("type", msg.Type))
	}
}

func (e *Engine) handlePairRequest(peerID string, req transport.PairRequest) {
	dev := types.Device{
		ID:       req.DeviceID,
		Name:     req.DeviceID,
		Status:   types.StatusPairing,
		LastSeen: time.Now(),
	}
	if known, ok := e.discovery.Get(req.DeviceID); ok {
		dev.Name = known.Name
		dev.Address = known.Address
		dev.Port = known.Port
	}

	// A device we already hold a key for may rebind freely, but only
	// with the same key. A different key under a known id is an impostor.
	if e.crypto.HasPeer(req.DeviceID) {
		if !e.crypto.PeerKeyMatches(req.DeviceID, req.PublicKey) {
			e.respondPair(peerID, false)
			e.log.Warn("pair request key mismatch for known device",
				zap.String("device_id", req.DeviceID))
			return
		}
		e.completePairing(peerID, dev, req.PublicKey)
		e.respondPair(peerID, true)
		return
	}

	settings := e.currentSettings()
	e.mu.RLock()
	approved := e.approved[req.DeviceID]
	e.mu.RUnlock()

	if !settings.AutoAcceptDevices && !approved {
		e.mu.Lock()
		e.pending[req.DeviceID] = dev
		e.mu.Unlock()

		e.respondPair(peerID, false)
		e.log.Info("pairing request held for approval",
			zap.String("device_id", req.DeviceID))
		if e.OnPairRequest != nil {
			e.OnPairRequest(dev)
		}
		return
	}

	if err := e.crypto.ImportPeerKey(req.DeviceID, req.PublicKey); err != nil {
		e.respondPair(peerID, false)
		e.log.Warn("rejecting pair request with unusable key",
			zap.String("device_id", req.DeviceID), zap.Error(err))
		return
	}

	e.completePairing(peerID, dev, req.PublicKey)
	e.respondPair(peerID, true)
}

func (e *Engine) respondPair(peerID string, accepted bool) {
	resp := transport.PairResponse{
		DeviceID:  e.crypto.DeviceID(),
		PublicKey: e.crypto.ExportPublicKey(),
		Accepted:  accepted,
	}
	msg, err := transport.NewMessage(transport.TypePairResponse, resp)
	if err != nil {
		return
	}
	if err := e.transport.Reply(peerID, msg); err != nil {
		e.log.Warn("pair response not delivered", zap.Error(err))
	}
}

func (e *Engine) handlePairResponse(peerID string, resp transport.PairResponse) {
	if resp.Accepted {
		if err := e.crypto.ImportPeerKey(resp.DeviceID, resp.PublicKey); err != nil {
			e.log.Warn("pair response carries unusable key",
				zap.String("device_id", resp.DeviceID), zap.Error(err))
			resp.Accepted = false
		} else {
			dev := types.Device{ID: resp.DeviceID, Name: resp.DeviceID, LastSeen: time.Now()}
			if known, ok := e.discovery.Get(resp.DeviceID); ok {
				dev.Name = known.Name
				dev.Address = known.Address
				dev.Port = known.Port
			}
			e.completePairing(peerID, dev, resp.PublicKey)
		}
	} else {
		e.log.Info("pairing declined by remote device",
			zap.String("device_id", resp.DeviceID))
	}

	e.mu.Lock()
	waiter, ok := e.awaitPair[peerID]
	delete(e.awaitPair, peerID)
	e.mu.Unlock()
	if ok {
		waiter <- resp
	}
}

func (e *Engine) completePairing(peerID string, dev types.Device, publicKey string) {
	dev.Status = types.StatusPaired
	dev.TrustLevel = "full"
	dev.PublicKey = publicKey
	dev.LastSeen = time.Now()

	e.transport.Bind(peerID, dev.ID)

	e.mu.Lock()
	e.paired[dev.ID] = dev
	delete(e.pending, dev.ID)
	e.mu.Unlock()
	e.discovery.SetStatus(dev.ID, types.StatusPaired)

	e.log.Info("device paired",
		zap.String("device_id", dev.ID), zap.String("device_name", dev.Name))
	if e.OnPaired != nil {
		e.OnPaired(dev)
	}
}

// PairWith connects to a device and runs the pairing exchange, blocking
// until the remote answers or the timeout passes. Safe to call from any
// goroutine except the engine loop.
func (e *Engine) PairWith(address string) (types.Device, error) {
	if !e.isRunning() {
		return types.Device{}, ErrNotRunning
	}

	peerID, err := e.transport.Connect(address)
	if err != nil {
		return types.Device{}, err
	}

	waiter := make(chan transport.PairResponse, 1)
	e.mu.Lock()
	e.awaitPair[peerID] = waiter
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.awaitPair, peerID)
		e.mu.Unlock()
	}()

	req := transport.PairRequest{
		DeviceID:  e.crypto.DeviceID(),
		PublicKey: e.crypto.ExportPublicKey(),
	}
	msg, err := transport.NewMessage(transport.TypePairRequest, req)
	if err != nil {
		return types.Device{}, err
	}
	if err := e.transport.Reply(peerID, msg); err != nil {
		return types.Device{}, err
	}

	select {
	case resp := <-waiter:
		if !resp.Accepted {
			return types.Device{}, ErrPairRejected
		}
		e.mu.RLock()
		dev := e.paired[resp.DeviceID]
		e.mu.RUnlock()
		return dev, nil
	case <-time.After(pairTimeout):
		return types.Device{}, ErrPairTimeout
	}
}

// PairWithPayload pairs using a scanned or pasted pairing payload.
func (e *Engine) PairWithPayload(p pairing.Payload) (types.Device, error) {
	return e.PairWith(p.Address())
}

// Approve allows a previously rejected device to pair on its next attempt.
func (e *Engine) Approve(deviceID string) {
	e.mu.Lock()
	e.approved[deviceID] = true
	e.mu.Unlock()
	e.log.Info("device approved for pairing", zap.String("device_id", deviceID))
}

// PendingRequests lists devices whose pairing requests are held for
// approval.
func (e *Engine) PendingRequests() []types.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Device, 0, len(e.pending))
	for _, dev := range e.pending {
		out = append(out, dev)
	}
	return out
}

// Unpair discards a device's key and connection. The device can pair again
// later, subject to the usual approval.
func (e *Engine) Unpair(deviceID string) {
	e.submit("unpair", func() {
		e.crypto.RemovePeer(deviceID)
		if err := e.transport.Disconnect(deviceID); err != nil && !errors.Is(err, transport.ErrPeerNotConnected) {
			e.log.Warn("disconnect failed", zap.Error(err))
		}

		e.mu.Lock()
		delete(e.paired, deviceID)
		delete(e.approved, deviceID)
		e.mu.Unlock()
		e.discovery.SetStatus(deviceID, types.StatusDiscovered)

		e.log.Info("device unpaired", zap.String("device_id", deviceID))
	})
}

func (e *Engine) applyRemote(peerID string, env *crypto.Envelope) {
	content, contentType, err := e.crypto.Decrypt(env)
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrNotAddressed):
			e.log.Debug("clipboard message not addressed to this device",
				zap.String("sender", env.DeviceID))
		case errors.Is(err, crypto.ErrUnknownPeer):
			e.log.Warn("clipboard message from unpaired device",
				zap.String("sender", env.DeviceID))
		default:
			e.log.Warn("cannot decrypt clipboard message",
				zap.String("sender", env.DeviceID), zap.Error(err))
		}
		e.ack(peerID, false, "cannot decrypt")
		return
	}

	settings := e.currentSettings()
	if !settings.AutoSync {
		e.ack(peerID, false, "sync disabled")
		return
	}
	if contentType == types.ContentImage && !settings.SyncImages {
		e.ack(peerID, false, "image sync disabled")
		return
	}

	if err := e.writeClipboard(content, contentType); err != nil {
		e.suppress.Clear()
		e.log.Warn("cannot apply remote clipboard", zap.Error(err))
		e.ack(peerID, false, err.Error())
		return
	}

	entry := e.history.Add("received", contentType, env.DeviceID, len(content))
	e.log.Info("clipboard received",
		zap.String("type", string(contentType)),
		zap.Int("size", len(content)),
		zap.String("sender", env.DeviceID))
	if e.OnApplied != nil {
		e.OnApplied(entry)
	}
	e.ack(peerID, true, "")
}

// writeClipboard arms the suppression token and then writes, so the poll
// that observes the write is recognized as an echo. For images the token
// holds the fingerprint of the canonical PNG encoding, which is exactly
// what the monitor fingerprints on its next poll.
func (e *Engine) writeClipboard(content []byte, contentType types.ContentType) error {
	if contentType == types.ContentImage {
		img, err := clipboard.DecodeImage(content)
		if err != nil {
			return fmt.Errorf("decode image: %w", err)
		}
		canonical, err := clipboard.EncodePNG(img)
		if err != nil {
			return fmt.Errorf("encode image: %w", err)
		}
		e.suppress.Set(clipboard.Fingerprint(canonical), suppressTTL)
		return e.clip.WriteImage(img)
	}

	text := string(content)
	e.suppress.Set(text, suppressTTL)
	return e.clip.WriteText(text)
}

func (e *Engine) ack(peerID string, success bool, errMsg string) {
	ack := transport.SyncAck{Success: success, Timestamp: time.Now(), Error: errMsg}
	msg, err := transport.NewMessage(transport.TypeSyncAck, ack)
	if err != nil {
		return
	}
	if err := e.transport.Reply(peerID, msg); err != nil {
		e.log.Debug("ack not delivered", zap.String("peer", peerID))
	}
}

func (e *Engine) onPeerDisconnect(peerID, deviceID string) {
	if deviceID == "" {
		return
	}
	e.submit("peer_disconnect", func() {
		e.mu.Lock()
		if dev, ok := e.paired[deviceID]; ok {
			dev.Status = types.StatusOffline
			e.paired[deviceID] = dev
		}
		e.mu.Unlock()
		e.discovery.SetStatus(deviceID, types.StatusOffline)
		e.log.Info("paired device disconnected", zap.String("device_id", deviceID))
	})
}

func (e *Engine) onDeviceDiscovered(dev types.Device) {
	e.submit("device_discovered", func() {
		e.log.Info("peer available",
			zap.String("device_name", dev.Name), zap.String("address", dev.Address))
		if e.OnDeviceDiscovered != nil {
			e.OnDeviceDiscovered(dev)
		}

		// Reach out on our own for devices paired earlier in this session
		// and, on a trusted network, for anything newly discovered.
		settings := e.currentSettings()
		if e.crypto.HasPeer(dev.ID) || len(settings.TrustedNetworks) > 0 {
			e.connectAndPair(dev)
		}
	})
}

// connectAndPair opens a connection and starts the pairing exchange. The
// exchange runs event-driven: the response completes pairing on the loop,
// so nothing blocks here.
func (e *Engine) connectAndPair(dev types.Device) {
	address := net.JoinHostPort(dev.Address, strconv.Itoa(dev.Port))
	peerID, err := e.transport.Connect(address)
	if err != nil {
		e.log.Warn("peer connect failed",
			zap.String("device_name", dev.Name), zap.Error(err))
		return
	}

	req := transport.PairRequest{
		DeviceID:  e.crypto.DeviceID(),
		PublicKey: e.crypto.ExportPublicKey(),
	}
	msg, err := transport.NewMessage(transport.TypePairRequest, req)
	if err != nil {
		return
	}
	if err := e.transport.Reply(peerID, msg); err != nil {
		e.log.Warn("pairing handshake failed", zap.Error(err))
		return
	}
	e.log.Info("pairing with discovered device", zap.String("device_name", dev.Name))
}

func (e *Engine) onDeviceLost(dev types.Device) {
	e.submit("device_lost", func() {
		e.mu.Lock()
		if p, ok := e.paired[dev.ID]; ok {
			p.Status = types.StatusOffline
			e.paired[dev.ID] = p
		}
		e.mu.Unlock()

		e.log.Info("peer lost", zap.String("device_name", dev.Name))
		if e.OnDeviceLost != nil {
			e.OnDeviceLost(dev)
		}
	})
}

// JoinRelay connects to the configured relay server and joins a room.
// Clipboard text then flows through the room in addition to any direct
// peers.
func (e *Engine) JoinRelay(roomID, password string) error {
	settings := e.currentSettings()
	if settings.RelayServer == "" {
		return errors.New("sync: no relay server configured")
	}

	client := relay.NewClient(settings.RelayServer, roomID, password,
		e.crypto.DeviceID(), settings.DeviceName, e.log)
	client.OnClipboard = func(content []byte, contentType string) {
		e.submit("relay_clipboard", func() { e.applyRelay(content, contentType) })
	}
	if err := client.Connect(); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.relayClient
	e.relayClient = client
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// RelayConnected reports whether a live relay room connection exists.
func (e *Engine) RelayConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.relayClient != nil && e.relayClient.Connected()
}

// LeaveRelay departs the current relay room, if any.
func (e *Engine) LeaveRelay() {
	e.mu.Lock()
	client := e.relayClient
	e.relayClient = nil
	e.mu.Unlock()

	if client != nil {
		client.Close()
		e.log.Info("left relay room")
	}
}

func (e *Engine) applyRelay(content []byte, contentType string) {
	settings := e.currentSettings()
	if !settings.AutoSync {
		return
	}

	text := string(content)
	if contentType == string(types.ContentImage) || strings.HasPrefix(text, "data:image/") {
		if settings.SyncImages {
			e.applyRelayImage(text)
		}
		return
	}

	e.suppress.Set(text, suppressTTL)
	if err := e.clip.WriteText(text); err != nil {
		e.suppress.Clear()
		e.log.Warn("cannot apply relayed clipboard", zap.Error(err))
		return
	}

	entry := e.history.Add("received", types.ContentType(contentType), "relay", len(content))
	e.log.Info("clipboard received via relay", zap.Int("size", len(content)))
	if e.OnApplied != nil {
		e.OnApplied(entry)
	}
}

// applyRelayImage unpacks the data-URL form images travel in over the
// relay channel.
func (e *Engine) applyRelayImage(dataURL string) {
	idx := strings.Index(dataURL, "base64,")
	if idx < 0 {
		e.log.Warn("relayed image is not a base64 data url")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[idx+len("base64,"):])
	if err != nil {
		e.log.Warn("relayed image payload is not valid base64", zap.Error(err))
		return
	}

	if err := e.writeClipboard(raw, types.ContentImage); err != nil {
		e.suppress.Clear()
		e.log.Warn("cannot apply relayed image", zap.Error(err))
		return
	}

	entry := e.history.Add("received", types.ContentImage, "relay", len(raw))
	e.log.Info("clipboard image received via relay", zap.Int("size", len(raw)))
	if e.OnApplied != nil {
		e.OnApplied(entry)
	}
}

// UpdateSettings applies new settings to the running engine. A changed
// poll interval restarts the monitor; everything else takes effect on the
// next operation that consults it.
func (e *Engine) UpdateSettings(s config.Settings) {
	e.submit("settings_update", func() {
		e.mu.Lock()
		old := e.settings
		e.settings = s
		e.mu.Unlock()

		if s.PollIntervalMS > 0 && s.PollIntervalMS != old.PollIntervalMS {
			e.monitor.Stop()
			e.monitor.SetPollInterval(time.Duration(s.PollIntervalMS) * time.Millisecond)
			e.monitor.Start()
		}

		e.log.Info("settings updated",
			zap.Bool("auto_sync", s.AutoSync),
			zap.Int("max_size_mb", s.MaxSizeMB))
	})
}

// DeviceID returns this device's stable identifier.
func (e *Engine) DeviceID() string {
	return e.crypto.DeviceID()
}

// DeviceName returns the human-readable name announced to peers.
func (e *Engine) DeviceName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.DeviceName
}

// Port returns the transport listen port, 0 before Start.
func (e *Engine) Port() int {
	return e.transport.Port()
}

// Settings returns a copy of the active settings.
func (e *Engine) Settings() config.Settings {
	return e.currentSettings()
}

// Devices lists every device discovery has heard about.
func (e *Engine) Devices() []types.Device {
	return e.discovery.Devices()
}

// PairedDevices lists the devices paired during this session.
func (e *Engine) PairedDevices() []types.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Device, 0, len(e.paired))
	for _, dev := range e.paired {
		out = append(out, dev)
	}
	return out
}

// History returns recent sync activity, newest last.
func (e *Engine) History(limit int) []types.HistoryEntry {
	return e.history.List(limit)
}

// LocalHistory returns the monitor's recent clipboard window.
func (e *Engine) LocalHistory(limit int) []types.ClipboardContent {
	return e.monitor.History(limit)
}

// ClearHistory drops both the sync record and the monitor's window.
func (e *Engine) ClearHistory() {
	e.history.Clear()
	e.monitor.ClearHistory()
}

// PairingPayload builds the payload another device scans or pastes to pair
// with this one. With public set, the externally visible address is looked
// up over STUN and a gateway port mapping is requested, falling back to the
// local address when either fails.
func (e *Engine) PairingPayload(public bool) (pairing.Payload, error) {
	port := e.transport.Port()
	if port == 0 {
		return pairing.Payload{}, ErrNotRunning
	}

	ip := e.discovery.LocalIP()
	if public {
		if pubIP, _, err := pairing.PublicAddress(pairing.DefaultSTUNServer, 3*time.Second); err == nil {
			ip = pubIP.String()
			e.mapPublicPort(port)
		} else {
			e.log.Warn("public address lookup failed, using local address", zap.Error(err))
		}
	}

	return pairing.NewPayload(
		e.crypto.DeviceID(), e.DeviceName(), ip, port, e.crypto.ExportPublicKey()), nil
}

// mapPublicPort opens a gateway port mapping for the transport port, once
// per run. Stop removes it. Networks without UPnP just log and move on;
// the payload still carries the public address for manually forwarded
// ports.
func (e *Engine) mapPublicPort(port int) {
	e.mu.RLock()
	done := e.mappedPort == port
	e.mu.RUnlock()
	if done {
		return
	}

	gw, err := pairing.DiscoverGateway(3 * time.Second)
	if err != nil {
		e.log.Debug("no upnp gateway", zap.Error(err))
		return
	}
	if err := gw.MapPort(port); err != nil {
		e.log.Warn("gateway refused port mapping", zap.Int("port", port), zap.Error(err))
		return
	}

	e.mu.Lock()
	e.gateway = gw
	e.mappedPort = port
	e.mu.Unlock()
	e.log.Info("gateway port mapping added", zap.Int("port", port))
}
