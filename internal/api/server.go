// Package api serves the browser pairing helper: device status, the
// pairing payload and its QR render over plain HTTP, so a phone or any
// device without clipsync installed can read how to pair. The pairing
// handshake itself stays on the encrypted sync channel; this surface only
// hands out the payload.
package api

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/clipsync/clipsync/internal/pairing"
	syncengine "github.com/clipsync/clipsync/internal/sync"
)

// Server is the pairing helper HTTP server. Start after the engine is
// running; every endpoint needs a live transport port.
type Server struct {
	log    *zap.Logger
	engine *syncengine.Engine

	server *http.Server
	port   int
	ip     string
}

// NewServer wraps an engine. Nothing listens until Start.
func NewServer(engine *syncengine.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, engine: engine}
}

// Start binds the pairing page to host:port. Port 0 picks a free port; the
// port actually bound is returned.
func (s *Server) Start(host string, port int) (int, error) {
	p, err := s.engine.PairingPayload(false)
	if err != nil {
		return 0, fmt.Errorf("pairing server needs a running engine: %w", err)
	}
	s.ip = p.IP

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, fmt.Errorf("pairing server listen: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePage)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pair", s.handlePair)
	mux.HandleFunc("/qr.png", s.handleQR)
	srv := &http.Server{Handler: mux}
	s.server = srv

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("pairing server stopped", zap.Error(err))
		}
	}()

	s.log.Info("pairing page up", zap.String("url", s.URL()))
	return s.port, nil
}

// Stop shuts the server down. Safe to call when never started.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	return err
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	return s.port
}

// URL returns the address to open in a browser on another device.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%d", s.ip, s.port)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"device_name": s.engine.DeviceName(),
		"device_id":   s.engine.DeviceID(),
		"ip":          s.ip,
		"port":        s.engine.Port(),
	})
}

// handlePair serves the encoded pairing payload. The payload is rebuilt
// per request so its timestamp stays inside the staleness bound.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.PairingPayload(false)
	if err != nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	code, err := p.Encode()
	if err != nil {
		http.Error(w, "cannot encode payload", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	fmt.Fprint(w, code)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.PairingPayload(false)
	if err != nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	png, err := pairing.QRCode(p)
	if err != nil {
		http.Error(w, "cannot render qr", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

var pageTemplate = template.Must(template.New("pair").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>clipsync - Pairing</title>
<style>
body { font-family: sans-serif; max-width: 480px; margin: 40px auto; padding: 0 16px; color: #222; }
h1 { font-size: 22px; }
table { width: 100%; border-collapse: collapse; margin: 16px 0; }
td { padding: 6px 0; border-bottom: 1px solid #eee; }
td:last-child { font-family: monospace; text-align: right; }
img { display: block; margin: 16px auto; }
pre { background: #f5f5f5; padding: 12px; overflow-x: auto; font-size: 11px; }
</style>
</head>
<body>
<h1>Pair with {{.DeviceName}}</h1>
<table>
<tr><td>Device</td><td>{{.DeviceName}}</td></tr>
<tr><td>ID</td><td>{{.DeviceID}}</td></tr>
<tr><td>Address</td><td>{{.IP}}:{{.Port}}</td></tr>
</table>
<img src="/qr.png" width="256" height="256" alt="pairing QR">
<p>Scan the QR code with clipsync on another device, or paste this code
into <code>clipsync join</code>:</p>
<pre>{{.Code}}</pre>
</body>
</html>
`))

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}

	p, err := s.engine.PairingPayload(false)
	if err != nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	code, err := p.Encode()
	if err != nil {
		http.Error(w, "cannot encode payload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err = pageTemplate.Execute(w, map[string]any{
		"DeviceName": s.engine.DeviceName(),
		"DeviceID":   s.engine.DeviceID(),
		"IP":         s.ip,
		"Port":       s.engine.Port(),
		"Code":       code,
	})
	if err != nil {
		s.log.Warn("pairing page render failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(v)
}
