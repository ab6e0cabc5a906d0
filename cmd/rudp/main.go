// Rudp1 — CLI entry point.
//
// This tool runs a reliable-datagram endpoint over UDP: a server that
// accepts first-contact peers, or a client that connects out. Payloads are
// typed on a small interactive console; delivery, retransmission, ordering
// and keep-alive are handled by the transport.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -port, -host, -debug).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/rudp1/internal/config"
	"github.com/1ureka/rudp1/internal/transport"
	"github.com/1ureka/rudp1/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: server or client")
	port := flag.Int("port", 0, "Listen port (server) or remote port (client), 1~65535")
	host := flag.String("host", "127.0.0.1", "Remote host to connect to (client only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	cfg.Debug = *debugMode
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Rudp1 — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case "server":
		if *port < 1 || *port > 65535 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		runServer(ctx, cfg, *port)

	case "client":
		if *port < 1 || *port > 65535 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		runClient(ctx, cfg, *host, *port)

	default:
		util.LogError("invalid -role: must be 'server' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("shutdown complete")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Accept incoming connections", "Client — Connect to a server"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		port := askPort("Listen port (1 ~ 65535)")
		runServer(ctx, cfg, port)
	} else {
		host := askHost()
		port := askPort("Remote port (1 ~ 65535)")
		runClient(ctx, cfg, host, port)
	}
}

// runServer starts the listening endpoint and drops into the console.
func runServer(ctx context.Context, cfg config.Config, port int) {
	if err := util.OpenNetworkLog("rslog"); err != nil {
		util.LogWarning("network log disabled: %v", err)
	}

	srv, err := transport.NewServer(port, cfg)
	if err != nil {
		util.LogError("failed to start server: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	wireCallbacks(srv.Transport)
	util.StartStatsReporter(ctx)
	runConsole(ctx, srv.Transport)
}

// runClient starts the connecting endpoint, dials the server and drops
// into the console.
func runClient(ctx context.Context, cfg config.Config, host string, port int) {
	if err := util.OpenNetworkLog("rclog"); err != nil {
		util.LogWarning("network log disabled: %v", err)
	}

	tr, err := transport.New(0, cfg)
	if err != nil {
		util.LogError("failed to start client: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	wireCallbacks(tr)
	util.StartStatsReporter(ctx)

	id, err := tr.Connect(host, port)
	if err != nil {
		util.LogError("connect failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("connecting to %s:%d as connection %d", host, port, id)

	runConsole(ctx, tr)
}

// wireCallbacks installs the default receive/disconnect logging callbacks.
func wireCallbacks(tr *transport.Transport) {
	tr.SetDefaultOnReceive(func(id int32, payload []byte) {
		util.LogInfo("[conn %d] %s", id, string(payload))
	})
	tr.SetDefaultOnDisconnect(func(id int32, reason uint8) {
		util.LogInfo("[conn %d] disconnected (reason %d)", id, reason)
	})
}

// ---------------------------------------------------------------------------
// Console
// ---------------------------------------------------------------------------

// runConsole reads commands until exit or Ctrl+C:
//
//	connect <host> <port>
//	send <id> <text>        best-effort
//	sendr <id> <text>       reliable, ordered
//	disconnect <id>
//	exit
func runConsole(ctx context.Context, tr *transport.Transport) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, _ := pterm.DefaultInteractiveTextInput.
				WithDefaultText(">").
				Show()
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			tr.DisconnectAll()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleCommand(tr, strings.TrimSpace(line)) {
				tr.DisconnectAll()
				return
			}
		}
	}
}

// handleCommand executes one console command; returns false on exit.
func handleCommand(tr *transport.Transport, line string) bool {
	if line == "" {
		return true
	}
	fields := strings.Fields(line)

	switch fields[0] {
	case "exit", "quit":
		return false

	case "connect":
		if len(fields) != 3 {
			util.LogWarning("usage: connect <host> <port>")
			return true
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			util.LogWarning("invalid port: %s", fields[2])
			return true
		}
		id, err := tr.Connect(fields[1], port)
		if err != nil {
			util.LogError("connect failed: %v", err)
			return true
		}
		util.LogInfo("connecting as connection %d", id)

	case "send", "sendr":
		if len(fields) < 3 {
			util.LogWarning("usage: %s <id> <text>", fields[0])
			return true
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			util.LogWarning("invalid connection id: %s", fields[1])
			return true
		}
		text := strings.Join(fields[2:], " ")
		if fields[0] == "sendr" {
			tr.SendReliable(int32(id), []byte(text))
		} else {
			tr.SendText(int32(id), text)
		}

	case "disconnect":
		if len(fields) != 2 {
			util.LogWarning("usage: disconnect <id>")
			return true
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			util.LogWarning("invalid connection id: %s", fields[1])
			return true
		}
		tr.Disconnect(int32(id))

	default:
		util.LogWarning("unknown command: %s", fields[0])
	}
	return true
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askHost prompts the user for a remote host until a non-empty one is
// entered.
func askHost() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Remote host (name or IP)").
			Show()

		host := strings.TrimSpace(raw)
		if host != "" {
			pterm.Println()
			return host
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a host name or IP")
	}
}
