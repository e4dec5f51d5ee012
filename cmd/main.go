// keysynth - synthesizes keyboard and pointer input on X11 and Wayland
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keysynth/internal/api"
	"keysynth/internal/config"
	"keysynth/internal/dispatch"
	"keysynth/internal/event"
	"keysynth/internal/protocol"
	"keysynth/internal/tray"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Config file (default $XDG_CONFIG_HOME/keysynth/config.toml)")
	backend    = flag.String("backend", "", "Backend to use: auto, x11, wayland or remote")
	text       = flag.String("text", "", "Type the given markup text and exit")
	serve      = flag.Bool("serve", false, "Run the control API")
	withTray   = flag.Bool("tray", false, "Show the status tray")
	remoteAddr = flag.String("remote", "", "Send -text to (or query the status of) a running daemon at host:port")
	token      = flag.String("token", "", "API token for -remote (default from config)")
	listKeys   = flag.Bool("list-keys", false, "List the key names accepted in {NAME}")
	showVer    = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("keysynth version %s\n", version)
		return
	}
	if *listKeys {
		printKeys()
		return
	}

	cfgMgr, err := newConfigManager()
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	if err := cfgMgr.Load(); err != nil {
		log.Printf("Warning: failed to load config: %v", err)
	}

	if *remoteAddr != "" {
		if err := runRemote(cfgMgr.Get()); err != nil {
			log.Fatalf("Remote: %v", err)
		}
		return
	}

	cfg := cfgMgr.Get()
	if *backend != "" {
		cfg.Backend = *backend
		if err := cfg.Validate(); err != nil {
			log.Fatalf("%v", err)
		}
	}

	if *text != "" {
		if err := typeOnce(cfgMgr, cfg, *text); err != nil {
			log.Fatalf("Failed to type text: %v", err)
		}
		return
	}

	if *serve {
		cfg.API.Enabled = true
	}
	if *withTray {
		cfg.Tray.Enabled = true
	}
	if !cfg.API.Enabled && !cfg.Tray.Enabled {
		fmt.Fprintln(os.Stderr, "Nothing to do: pass -text, -serve or -tray, or enable [api] or [tray] in the config.")
		flag.Usage()
		os.Exit(2)
	}
	runService(cfgMgr, cfg)
}

func newConfigManager() (*config.Manager, error) {
	if *configPath != "" {
		return config.NewManagerAt(*configPath), nil
	}
	return config.NewManager()
}

func printKeys() {
	fmt.Println("Special keys:")
	fmt.Printf("  %s\n", strings.Join(event.SpecialNames(), " "))
	fmt.Println("Layout keys:")
	fmt.Printf("  %s\n", strings.Join(event.LayoutNames(), " "))
}

func openDispatcher(ctx context.Context, cfgMgr *config.Manager, cfg *config.Config) (*dispatch.Dispatcher, error) {
	b, err := dispatch.Select(ctx, cfg)
	if err != nil {
		return nil, err
	}
	saveRestoreToken(cfgMgr, cfg, b)
	return dispatch.New(b, dispatch.Options{
		Delay:   cfg.Pacing.Delay,
		Timeout: cfg.Pacing.OperationTimeout,
	}), nil
}

// saveRestoreToken stores a fresh portal grant so the next start does not
// ask the user again.
func saveRestoreToken(cfgMgr *config.Manager, cfg *config.Config, b dispatch.Backend) {
	rb, ok := b.(*dispatch.RemoteBackend)
	if !ok || cfg.Remote.Persist == config.PersistNone {
		return
	}
	tok := rb.Token()
	if tok == "" || tok == cfg.Remote.RestoreToken {
		return
	}
	err := cfgMgr.Update(func(c *config.Config) { c.Remote.RestoreToken = tok })
	if err != nil {
		log.Printf("Warning: failed to save restore token: %v", err)
	}
}

func typeOnce(cfgMgr *config.Manager, cfg *config.Config, s string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDispatcher(ctx, cfgMgr, cfg)
	if err != nil {
		return err
	}
	return errors.Join(d.Text(ctx, s), d.Close())
}

func runRemote(cfg *config.Config) error {
	tok := *token
	if tok == "" {
		tok = cfg.API.Token
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, err := api.Dial(ctx, *remoteAddr, tok)
	if err != nil {
		return err
	}
	defer c.Close()

	if *text != "" {
		_, err := c.Send(ctx, protocol.TypeText, protocol.TextPayload{Text: *text})
		return err
	}
	st, err := c.Send(ctx, protocol.TypeStatus, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Backend: %s\n", st.Backend)
	fmt.Printf("Modifiers: %s\n", st.Modifiers)
	fmt.Printf("Held: %s\n", strings.Join(st.Held, ", "))
	if st.Width > 0 {
		fmt.Printf("Display: %dx%d\n", st.Width, st.Height)
	}
	return nil
}

func runService(cfgMgr *config.Manager, cfg *config.Config) {
	log.Println("keysynth service starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := openDispatcher(ctx, cfgMgr, cfg)
	if err != nil {
		log.Fatalf("Failed to open a backend: %v", err)
	}
	srv := api.NewServer(cfg.API, d)
	apiDone := make(chan struct{})
	defer func() {
		cancel()
		<-apiDone
		// commands still running on hijacked connections finish first
		if err := srv.Close(); err != nil {
			log.Printf("Warning: closing backend: %v", err)
		}
	}()

	go func() {
		if err := cfgMgr.Watch(ctx); err != nil {
			log.Printf("Warning: config watch stopped: %v", err)
		}
	}()
	cfgMgr.RegisterChangeCallback(func(c *config.Config) {
		srv.SetPacing(dispatch.Options{Delay: c.Pacing.Delay, Timeout: c.Pacing.OperationTimeout})
		if c.Backend != cfg.Backend || c.API != cfg.API {
			log.Println("Config: backend and api changes apply after a restart")
		}
	})

	if cfg.API.Enabled {
		go func() {
			defer close(apiDone)
			if err := srv.Start(ctx); err != nil {
				log.Printf("API server error: %v", err)
				cancel()
			}
		}()
	} else {
		close(apiDone)
	}

	if !cfg.Tray.Enabled {
		log.Println("keysynth running. Press Ctrl+C to stop.")
		<-ctx.Done()
		log.Println("Shutting down...")
		return
	}

	t := tray.New("keysynth - " + d.Backend())
	tray.Attach(ctx, t, srv, 2*time.Second, t.Stop)
	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		t.Stop()
	}()

	log.Println("keysynth running. Press Ctrl+C to stop.")
	t.Run()
	cancel()
}
