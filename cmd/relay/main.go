// Meet relay: rendezvous server for the meet client.
//
// Every websocket connection on /ws gets a session id; call and chat events
// are forwarded to the session they name. Media never passes through here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/meet/internal/config"
	"github.com/1ureka/meet/internal/signaling"
	"github.com/1ureka/meet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFile := flag.String("env", "", "Path to a .env file (default: ./.env if present)")
	listen := flag.String("listen", "", "Listen address (overrides RELAY_LISTEN_ADDR)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	cfg, err := config.LoadRelay()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	pterm.Info.Println(fmt.Sprintf("Meet relay — v%s", version))
	pterm.Println()

	server := signaling.NewServer(cfg.MaxMessageBytes)
	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}

	util.LogInfo("relay shut down")
}
