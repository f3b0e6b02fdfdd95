package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/yourorg/wgplugin/internal/config"
	"github.com/yourorg/wgplugin/internal/host"
	"github.com/yourorg/wgplugin/internal/pump"
	"github.com/yourorg/wgplugin/internal/route"
	"github.com/yourorg/wgplugin/internal/session"
	"github.com/yourorg/wgplugin/internal/wireguard"
	"github.com/yourorg/wgplugin/internal/ws"
)

const dryRunChannelDepth = 256

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if cfg.GenKey {
		if err := printKeys(); err != nil {
			log.Fatalf("Failed to generate keys: %v", err)
		}
		return
	}

	slog.Info("Starting wgplugin",
		"interface", cfg.InterfaceName,
		"dry_run", cfg.DryRun,
		"control_url", cfg.ControlURL,
	)

	platform, channel, cleanup, err := openHost(cfg)
	if err != nil {
		log.Fatalf("Failed to prepare host interface: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var control *ws.Client

	controller := session.New(session.Options{
		Platform:     platform,
		Channel:      channel,
		Engine:       wireguard.Factory,
		TickInterval: cfg.TickInterval,
		StopTimeout:  cfg.StopTimeout,
		OnHealth: func(ev pump.HealthEvent) {
			slog.Info("Tunnel health event", "event", ev.Kind, "error", ev.Err)
			if control != nil {
				control.SendHealthEvent(ev.Kind.String(), ev.Err)
			}
		},
		OnStateChange: func(state session.State) {
			slog.Info("Session state changed", "state", state)
			if control != nil {
				control.SendStatus()
			}
		},
	})

	if cfg.ControlURL != "" {
		control = ws.NewClient(cfg.ControlURL, cfg.APIKey, cfg.InterfaceName)
		control.SetStatusFunc(func() ws.SessionStatus {
			return sessionStatus(controller.Status())
		})
		control.SetProfileCallback(func(p ws.Profile) error {
			// A new profile replaces whatever session is running.
			if err := controller.Disconnect(); err != nil {
				slog.Warn("Previous session ended with errors", "error", err)
			}
			return controller.Connect(ctx, p.Name, p.ServerAddress, p.Config)
		})
		control.SetKeepaliveFunc(controller.KeepalivePayload)
		control.SetDisconnectCallback(func() {
			if err := controller.Disconnect(); err != nil {
				slog.Warn("Disconnect finished with errors", "error", err)
			}
		})

		if err := control.Connect(ctx); err != nil {
			log.Fatalf("Failed to connect to Control: %v", err)
		}
		defer control.Close()
	} else {
		doc, err := cfg.ReadDocument()
		if err != nil {
			log.Fatalf("Failed to read tunnel configuration: %v", err)
		}
		if err := controller.Connect(ctx, cfg.ProfileName, cfg.ServerAddress, doc); err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
	}

	slog.Info("wgplugin started successfully")

	// Wait for interrupt signal or loss of the control connection
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var controlDone <-chan struct{}
	if control != nil {
		controlDone = control.Done()
	}
	select {
	case <-sigCh:
	case <-controlDone:
		slog.Warn("Control connection lost")
	}

	slog.Info("Shutting down wgplugin")
	cancel()

	if err := controller.Disconnect(); err != nil {
		slog.Error("Session teardown incomplete", "error", err)
	}
	slog.Info("wgplugin stopped")
}

// openHost returns the route platform and packet channel sessions run on.
// Dry runs keep both in memory.
func openHost(cfg *config.Config) (route.Platform, pump.Channel, func(), error) {
	if cfg.DryRun {
		platform := route.NewMemoryPlatform()
		channel := pump.NewMemoryChannel(dryRunChannelDepth)
		cleanup := func() {
			channel.Close()
			slog.Info("Dry run finished",
				"addresses", platform.Addresses(),
				"routes", platform.Routes(),
				"excluded", platform.ExcludedRoutes(),
			)
		}
		return platform, channel, cleanup, nil
	}

	dev, err := tun.CreateTUN(cfg.InterfaceName, cfg.MTU)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	channel := host.NewTUNChannel(dev)

	name, err := channel.Name()
	if err != nil {
		channel.Close()
		return nil, nil, nil, fmt.Errorf("failed to get TUN name: %w", err)
	}
	platform := route.NewLinuxPlatform(name, route.ExecRunner)
	if err := platform.SetLinkUp(cfg.MTU); err != nil {
		channel.Close()
		return nil, nil, nil, err
	}
	slog.Info("TUN device ready", "name", name, "mtu", cfg.MTU)

	cleanup := func() {
		if err := channel.Close(); err != nil {
			slog.Warn("Failed to close TUN device", "error", err)
		}
	}
	return platform, channel, cleanup, nil
}

func sessionStatus(st session.Status) ws.SessionStatus {
	out := ws.SessionStatus{
		State:         st.State.String(),
		Profile:       st.Profile,
		BytesSent:     st.Stats.BytesSent,
		BytesReceived: st.Stats.BytesReceived,
	}
	if st.Endpoint.IsValid() {
		out.Endpoint = st.Endpoint.String()
	}
	if !st.ConnectedAt.IsZero() {
		out.ConnectedAt = st.ConnectedAt.Unix()
	}
	if !st.LastHandshake.IsZero() {
		out.LastHandshake = st.LastHandshake.Unix()
	}
	if st.LastError != nil {
		out.LastError = st.LastError.Error()
	}
	return out
}

func printKeys() error {
	privateKey, publicKey, err := wireguard.GenerateKeyPair()
	if err != nil {
		return err
	}
	psk, err := wireguard.GeneratePresharedKey()
	if err != nil {
		return err
	}
	fmt.Printf("PrivateKey = %s\nPublicKey = %s\nPresharedKey = %s\n", privateKey, publicKey, psk)
	return nil
}
