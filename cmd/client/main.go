// Package main provides a command-line chat client for connect-relay.
// It connects to a relay server, authenticates, and turns stdin
// commands into chat events.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/connectchat/relay/pkg/client"
	"github.com/connectchat/relay/pkg/store"
	"github.com/connectchat/relay/pkg/wire"
)

const usage = `commands:
  /register <username> <displayName> <email> <password>
  /login <usernameOrEmail> <password>
  /me                          show my profile
  /users                       list all users
  /chats                       list my chats
  /direct <userId>             open a direct chat
  /group <title> [id,id,...]   create a group
  /invite <groupId> <id,id,...>
  /history <chatId> [limit]
  /send <chatId> <text...>
  /status <status>             update presence
  /quit`

func run() error {
	var (
		serverAddr  = flag.String("addr", "localhost:8080", "relay server address (hostname:port)")
		token       = flag.String("token", os.Getenv("RELAY_TOKEN"), "session token for handshake auth (or RELAY_TOKEN env)")
		insecure    = flag.Bool("insecure", false, "Use insecure WebSocket (ws:// instead of wss://)")
		noReconnect = flag.Bool("no-reconnect", false, "Disable automatic reconnection")
		maxRetries  = flag.Int("max-retries", 0, "Maximum reconnection attempts (0 = infinite)")
		outputJSON  = flag.Bool("json", false, "Print raw event envelopes as JSON")
	)
	flag.Parse()

	scheme := "wss"
	if *insecure {
		scheme = "ws"
		log.Println("WARNING: Using insecure WebSocket connection (ws://)")
	}
	url := fmt.Sprintf("%s://%s/ws/chat", scheme, *serverAddr)

	config := client.Config{
		ServerURL:   url,
		Token:       *token,
		NoReconnect: *noReconnect,
		MaxRetries:  *maxRetries,
		OnConnect: func() {
			log.Println("connected; type /login or /register to authenticate (see /help)")
		},
		OnDisconnect: func(err error) {
			log.Printf("disconnected: %v", err)
		},
		OnEvent: func(env wire.Envelope) {
			if *outputJSON {
				raw, err := json.Marshal(env)
				if err != nil {
					log.Printf("failed to marshal event: %v", err)
					return
				}
				fmt.Println(string(raw))
				return
			}
			printEvent(env)
		},
	}

	c, err := client.New(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	// Stdin command loop.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				interrupt <- os.Interrupt
				return
			}
			if err := handleCommand(c, line); err != nil {
				log.Printf("command failed: %v", err)
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-interrupt:
		log.Printf("Signal %v received, shutting down...", sig)
		c.Stop()
		cancel()
		select {
		case <-errCh:
			return nil
		case <-time.After(5 * time.Second):
			return nil
		}
	}
}

// handleCommand translates one stdin line into an event.
func handleCommand(c *client.Client, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Println(usage)
		return nil

	case "/register":
		if len(args) != 4 {
			return fmt.Errorf("usage: /register <username> <displayName> <email> <password>")
		}
		return c.Send("auth:register", map[string]string{
			"username": args[0], "displayName": args[1], "email": args[2], "password": args[3],
		})

	case "/login":
		if len(args) != 2 {
			return fmt.Errorf("usage: /login <usernameOrEmail> <password>")
		}
		return c.Send("auth:login", map[string]string{
			"usernameOrEmail": args[0], "password": args[1],
		})

	case "/me":
		return c.Send("auth:me", nil)

	case "/users":
		return c.Send("user:list", nil)

	case "/chats":
		return c.Send("chat:list", nil)

	case "/direct":
		if len(args) != 1 {
			return fmt.Errorf("usage: /direct <userId>")
		}
		return c.Send("chat:createDirect", map[string]string{"userId": args[0]})

	case "/group":
		if len(args) < 1 {
			return fmt.Errorf("usage: /group <title> [id,id,...]")
		}
		var members []string
		if len(args) > 1 {
			members = strings.Split(args[1], ",")
		}
		return c.Send("group:create", map[string]any{"title": args[0], "memberIds": members})

	case "/invite":
		if len(args) != 2 {
			return fmt.Errorf("usage: /invite <groupId> <id,id,...>")
		}
		return c.Send("group:invite", map[string]any{
			"groupId": args[0], "userIds": strings.Split(args[1], ","),
		})

	case "/history":
		if len(args) < 1 {
			return fmt.Errorf("usage: /history <chatId> [limit]")
		}
		payload := map[string]any{"chatId": args[0]}
		if len(args) > 1 {
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("limit must be a number: %w", err)
			}
			payload["limit"] = limit
		}
		return c.Send("message:list", payload)

	case "/send":
		if len(args) < 2 {
			return fmt.Errorf("usage: /send <chatId> <text...>")
		}
		return c.Send("message:send", map[string]string{
			"chatId": args[0], "content": strings.Join(args[1:], " "),
		})

	case "/status":
		if len(args) != 1 {
			return fmt.Errorf("usage: /status <status>")
		}
		return c.Send("presence:update", map[string]string{"status": args[0]})

	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// printEvent renders an inbound envelope for a human.
func printEvent(env wire.Envelope) {
	switch env.Event {
	case "message:receive":
		var msg store.Message
		if err := json.Unmarshal(env.Data, &msg); err == nil {
			ts := time.UnixMilli(msg.CreatedAt).Format("15:04:05")
			fmt.Printf("[%s] chat=%s from=%s: %s\n", ts, msg.ChatID, msg.SenderID, msg.Content)
			return
		}
	case "error":
		var errData wire.ErrorData
		if err := json.Unmarshal(env.Data, &errData); err == nil {
			fmt.Printf("ERROR (%s): %s\n", errData.Event, errData.Message)
			return
		}
	case "presence:update":
		var p struct {
			UserID string `json:"userId"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &p); err == nil {
			fmt.Printf("* %s is now %s\n", p.UserID, p.Status)
			return
		}
	}

	// Everything else: pretty-print the payload.
	var pretty any
	if err := json.Unmarshal(env.Data, &pretty); err != nil {
		fmt.Printf("<- %s: %s\n", env.Event, env.Data)
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("<- %s:\n%s\n", env.Event, out)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
