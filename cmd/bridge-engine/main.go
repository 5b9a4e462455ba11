package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	app "vantage-bridge/internal/bridge"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yml", "Path to config.yml")
	flag.Parse()

	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	clock := app.NewRealClock()
	bridge, err := app.NewBridge(cfg, clock)
	if err != nil {
		log.Fatalf("bridge init error: %v", err)
	}
	bridge.Start()

	mux := http.NewServeMux()
	registerRoutes(mux, bridge, version)

	srv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("bridge-engine %s listening on %s", version, cfg.HTTPListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("bridge-engine shutting down")
	bridge.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func registerRoutes(mux *http.ServeMux, b *app.Bridge, version string) {
	mux.HandleFunc("/status/vgs", func(w http.ResponseWriter, r *http.Request) { handleSwitchRead(w, r, b) })
	mux.HandleFunc("/test/vsw", func(w http.ResponseWriter, r *http.Request) { handleSwitchWrite(w, r, b) })
	mux.HandleFunc("/dim", func(w http.ResponseWriter, r *http.Request) { handleDim(w, r, b) })
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) { handleRawSend(w, r, b) })
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) { handleConnect(w, r, b) })
	mux.HandleFunc("/disconnect", func(w http.ResponseWriter, r *http.Request) { handleDisconnect(w, r, b) })

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) { handleStatus(w, r, b, version) })
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) { handleServers(w, r, b) })
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) { handleLogs(w, r, b) })
	mux.HandleFunc("/recv", func(w http.ResponseWriter, r *http.Request) { handleRecv(w, r, b) })
	mux.HandleFunc("/recv/reset", func(w http.ResponseWriter, r *http.Request) { handleRecvReset(w, r, b) })
	mux.HandleFunc("/whitelist", func(w http.ResponseWriter, r *http.Request) { handleWhitelist(w, r, b) })
	mux.HandleFunc("/whitelist/reload", func(w http.ResponseWriter, r *http.Request) { handleWhitelistReload(w, r, b) })
	mux.HandleFunc("/commands", handleNotImplemented)
	mux.HandleFunc("/admin/reload-commands", handleNotImplemented)
	mux.HandleFunc("/logging/status", func(w http.ResponseWriter, r *http.Request) { handleLoggingStatus(w, r, b) })
	mux.HandleFunc("/logging/start", func(w http.ResponseWriter, r *http.Request) { handleLoggingToggle(w, r, b, true) })
	mux.HandleFunc("/logging/stop", func(w http.ResponseWriter, r *http.Request) { handleLoggingToggle(w, r, b, false) })

	mux.Handle("/metrics", promhttp.HandlerFor(b.MetricsRegistry(), promhttp.HandlerOpts{}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), app.StatusFor(err))
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func handleSwitchRead(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	m := queryInt(r, "m", -1)
	s := queryInt(r, "s", -1)
	bt := queryInt(r, "b", -1)
	sa, err := app.ParseSA(m, s, bt)
	if err != nil {
		writeErr(w, err)
		return
	}
	opts := app.SwitchReadOptions{
		CacheMs:  queryInt(r, "cacheMs", 0),
		MaxMs:    queryInt(r, "maxMs", 0),
		JitterMs: queryInt(r, "jitterMs", 0),
	}
	res, err := b.Dispatcher().SwitchRead(sa, opts)

	format := r.URL.Query().Get("format")
	if err != nil {
		if format == "bool" {
			w.Header().Set("X-Status-Error", err.Error())
			w.Write([]byte("false"))
			return
		}
		writeErr(w, err)
		return
	}

	w.Header().Set("X-VGS-Source", string(res.Source))
	w.Header().Set("X-VGS-Cache", res.CacheState)
	w.Header().Set("X-VGS-Age", res.Age.String())
	if res.StaleFallback {
		w.Header().Set("X-Status-Fallback", "stale-cache")
	}

	switch format {
	case "raw":
		w.Write([]byte(strconv.Itoa(res.Value)))
	case "bool":
		w.Write([]byte(strconv.FormatBool(res.Value != 0)))
	default:
		writeJSON(w, http.StatusOK, map[string]any{"m": sa.M, "s": sa.S, "b": sa.B, "value": res.Value, "source": res.Source})
	}
}

func handleSwitchWrite(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	m := queryInt(r, "m", -1)
	s := queryInt(r, "s", -1)
	bt := queryInt(r, "b", -1)
	sa, err := app.ParseSA(m, s, bt)
	if err != nil {
		writeErr(w, err)
		return
	}
	state := queryInt(r, "state", -1)
	if state != 0 && state != 1 {
		writeErr(w, app.ErrInvalidInput)
		return
	}
	raw, err := b.Dispatcher().SwitchWrite(sa, state, queryInt(r, "waitMs", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "raw": raw})
}

type dimRequest struct {
	Master    int      `json:"master"`
	Enclosure int      `json:"enclosure"`
	Module    int      `json:"module"`
	Load      int      `json:"load"`
	Level     int      `json:"level"`
	Fade      *float64 `json:"fade,omitempty"`
	MaxMs     int      `json:"maxMs,omitempty"`
}

func handleDim(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	if r.Method == http.MethodPost {
		var req dimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, app.ErrInvalidInput)
			return
		}
		la, err := app.ParseLA(req.Master, req.Enclosure, req.Module, req.Load)
		if err != nil {
			writeErr(w, err)
			return
		}
		rec, err := b.Dispatcher().LoadSet(la, req.Level, req.Fade, req.MaxMs)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeDimHeaders(w, rec, "VLB#")
		writeJSON(w, http.StatusOK, map[string]any{"level": rec.Level, "fade": rec.Fade})
		return
	}

	la, err := app.ParseLA(queryInt(r, "m", -1), queryInt(r, "e", -1), queryInt(r, "module", -1), queryInt(r, "load", -1))
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := b.Dispatcher().LoadRead(la, queryInt(r, "cacheMs", 0), queryInt(r, "maxMs", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeDimHeaders(w, rec, "VGB#")
	writeJSON(w, http.StatusOK, map[string]any{"level": rec.Level, "fade": rec.Fade, "source": rec.Source})
}

func writeDimHeaders(w http.ResponseWriter, rec app.LoadRecord, command string) {
	w.Header().Set("X-Load-Command", command)
	w.Header().Set("X-Load-Source", string(rec.Source))
	w.Header().Set("X-Load-Level", strconv.Itoa(rec.Level))
	if rec.Fade != nil {
		w.Header().Set("X-Load-Fade", fmt.Sprintf("%.1f", *rec.Fade))
	}
}

type rawSendRequest struct {
	Command string `json:"command"`
	Data    string `json:"data"`
	WaitMs  int    `json:"waitMs,omitempty"`
	QuietMs int    `json:"quietMs,omitempty"`
	MaxMs   int    `json:"maxMs,omitempty"`
}

func handleRawSend(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	var req rawSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, app.ErrInvalidInput)
		return
	}
	line := req.Command
	if line == "" {
		line = req.Data
	}
	if line == "" {
		writeErr(w, app.ErrInvalidInput)
		return
	}
	out, err := b.Dispatcher().RawSend(line, app.RawSendOptions{WaitMs: req.WaitMs, QuietMs: req.QuietMs, MaxMs: req.MaxMs})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "response": out})
}

func handleConnect(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	var req struct {
		ServerIndex int `json:"serverIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, app.ErrInvalidInput)
		return
	}
	if err := b.Connect(req.ServerIndex); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleDisconnect(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	b.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleStatus(w http.ResponseWriter, r *http.Request, b *app.Bridge, version string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"session":    b.SessionState().String(),
		"queueDepth": b.QueueDepth(),
		"whitelist":  b.Whitelist().Len(),
	})
}

func handleServers(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	writeJSON(w, http.StatusOK, b.Config().Servers)
}

func handleLogs(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	writeJSON(w, http.StatusOK, b.Logs().Tail(queryInt(r, "n", 200)))
}

func handleRecv(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	writeJSON(w, http.StatusOK, b.Logs().Tail(queryInt(r, "n", 50)))
}

func handleRecvReset(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleWhitelist(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	writeJSON(w, http.StatusOK, b.Whitelist().Entries())
}

func handleWhitelistReload(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	if !b.CheckAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := b.Whitelist().Reload(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "size": b.Whitelist().Len()})
}

func handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "command catalog is out of scope for this bridge", http.StatusNotImplemented)
}

var debugLogging atomic.Bool

func handleLoggingStatus(w http.ResponseWriter, r *http.Request, b *app.Bridge) {
	writeJSON(w, http.StatusOK, map[string]any{"debug": debugLogging.Load()})
}

func handleLoggingToggle(w http.ResponseWriter, r *http.Request, b *app.Bridge, on bool) {
	if !b.CheckAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	debugLogging.Store(on)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "debug": on})
}
