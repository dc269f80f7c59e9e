// Command agent is the reference monitoring agent: it connects to the
// control plane, authenticates with signed envelopes, reports host
// metrics and heartbeats, and executes commands sent back to it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"hostwarden/internal/protocol"
)

const agentVersion = "1.0.0"

const (
	heartbeatPeriod = 30 * time.Second
	writeWait       = 10 * time.Second
	backoffMax      = time.Minute
)

// client is one live connection to the control plane. A mutex
// serializes writes: metric tickers and command replies run in
// different goroutines.
type client struct {
	conn     *websocket.Conn
	agentID  string
	secret   string
	hostname string

	writeMu sync.Mutex
}

// sendEnvelope signs and writes one envelope.
func (c *client) sendEnvelope(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, c.agentID, payload, c.secret)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func main() {
	serverURL := flag.String("server", "ws://localhost:9080/ws/agent", "Control plane agent endpoint")
	agentID := flag.String("agent-id", os.Getenv("HOSTWARDEN_AGENT_ID"), "Provisioned agent id")
	interval := flag.Int("interval", 60, "Metrics reporting interval in seconds")
	hostnameOverride := flag.String("hostname", "", "Override hostname")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostwarden-agent v%s\n", agentVersion)
		os.Exit(0)
	}

	secret := os.Getenv("HOSTWARDEN_SECRET")
	if *agentID == "" || secret == "" {
		log.Fatal("agent id and HOSTWARDEN_SECRET are required (provision via the management API)")
	}

	hostname := *hostnameOverride
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			log.Fatalf("Failed to get hostname: %v", err)
		}
	}

	log.Printf("Hostwarden agent v%s starting (agent %s on %s)", agentVersion, *agentID, hostname)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down")
		cancel()
	}()

	// Connect-run-reconnect loop with exponential backoff.
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := runSession(ctx, *serverURL, *agentID, secret, hostname, time.Duration(*interval)*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("Session ended: %v", err)
		}

		log.Printf("Reconnecting in %s", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// runSession dials the hub and runs one connection to completion.
func runSession(ctx context.Context, serverURL, agentID, secret, hostname string, interval time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer conn.Close()

	c := &client{conn: conn, agentID: agentID, secret: secret, hostname: hostname}

	if err := c.sendEnvelope(protocol.TypeAuth, protocol.AuthPayload{
		Hostname: hostname,
		Version:  agentVersion,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	log.Println("Connected and authenticated")

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.reportLoop(sessionCtx, interval)

	// Read loop: only signed command envelopes are expected inbound.
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleInbound(message)
	}
}

// reportLoop sends heartbeats and metrics on independent tickers until
// the session ends.
func (c *client) reportLoop(ctx context.Context, interval time.Duration) {
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	metrics := time.NewTicker(interval)
	defer metrics.Stop()

	// First metrics sample right away.
	c.sendMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := c.sendEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{}); err != nil {
				log.Printf("Heartbeat failed: %v", err)
				return
			}
		case <-metrics.C:
			c.sendMetrics()
		}
	}
}

func (c *client) sendMetrics() {
	m, err := collectMetrics()
	if err != nil {
		log.Printf("Collecting metrics: %v", err)
		return
	}
	if err := c.sendEnvelope(protocol.TypeMetrics, m); err != nil {
		log.Printf("Sending metrics: %v", err)
	}
}

// handleInbound verifies and executes a command envelope. Anything
// unverifiable is dropped: the agent trusts only envelopes signed with
// its own secret.
func (c *client) handleInbound(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("Dropping malformed frame: %v", err)
		return
	}
	if env.Type != protocol.TypeCommand {
		return
	}
	if !protocol.Verify(env, c.secret) {
		log.Println("Dropping command with invalid signature")
		return
	}
	if !protocol.ValidTimestamp(env.TS, protocol.DefaultMaxAge) {
		log.Println("Dropping command with stale timestamp")
		return
	}

	var p protocol.CommandPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("Unreadable command payload: %v", err)
		return
	}

	log.Printf("Executing command %q", p.Command)
	result := execute(p)
	if err := c.sendEnvelope(protocol.TypeCommandResult, result); err != nil {
		log.Printf("Sending command result: %v", err)
	}
}

// execute runs one of the built-in commands.
func execute(p protocol.CommandPayload) protocol.CommandResultPayload {
	result := protocol.CommandResultPayload{Command: p.Command}

	switch p.Command {
	case "ping":
		result.Output = "pong"

	case "uname":
		out, err := exec.Command("uname", "-a").Output()
		if err != nil {
			result.ExitCode = 1
			result.Output = err.Error()
		} else {
			result.Output = strings.TrimSpace(string(out))
		}

	default:
		result.ExitCode = 127
		result.Output = fmt.Sprintf("unknown command %q", p.Command)
	}
	return result
}
