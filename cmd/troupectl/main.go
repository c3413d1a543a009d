// Command troupectl is the operator CLI: check agent health, make a
// persona speak, or kick off a conversation by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/config"
	"github.com/troupe-chat/troupe/internal/control"
	"github.com/troupe-chat/troupe/internal/identity"
	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/sig"
	"github.com/troupe-chat/troupe/internal/store"
)

const serviceName = "troupectl"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := config.LoadAgentless()

	roster, err := identity.LoadFile(cfg.RosterPath, logger)
	exitOnError(err)

	var signer *sig.Signer
	var redisStore *store.RedisStore
	if cfg.ServiceKey != "" {
		signer, err = sig.NewSigner(serviceName, cfg.ServiceKey)
		exitOnError(err)

		// Agents verify against published keys, so ours must be
		// discoverable before the first signed call lands.
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		exitOnError(err)
		defer redisStore.Close()
		exitOnError(redisStore.PublishServiceKey(ctx, serviceName, signer.PublicKey()))
	}

	clientFor := func(personaName string) *control.Client {
		p, ok := roster.Lookup(personaName)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown persona %q\n", personaName)
			os.Exit(1)
		}
		if p.ControlURL == "" {
			fmt.Fprintf(os.Stderr, "persona %q has no control_url in the roster\n", personaName)
			os.Exit(1)
		}
		return control.NewClient(p.ControlURL, signer, 30*time.Second)
	}

	switch os.Args[1] {
	case "health":
		if len(os.Args) < 3 {
			// No persona given: sweep the whole roster.
			for _, p := range roster.All() {
				if p.ControlURL == "" {
					fmt.Printf("%-10s (no control_url)\n", p.Name)
					continue
				}
				health, err := clientFor(p.Name).Health(ctx)
				if err != nil {
					fmt.Printf("%-10s unreachable: %v\n", p.Name, err)
					continue
				}
				fmt.Printf("%-10s %s (platform connected: %v)\n", p.Name, health.Status, health.PlatformConnected)
			}
			return
		}
		health, err := clientFor(os.Args[2]).Health(ctx)
		exitOnError(err)
		printJSON(health)

	case "send":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: troupectl send <persona> <channel-id> <text>")
			os.Exit(1)
		}
		persona, channel := os.Args[2], os.Args[3]
		text := strings.Join(os.Args[4:], " ")
		err := clientFor(persona).SendMessage(ctx, models.OutboundDelivery{ChannelID: channel, Text: text})
		exitOnError(err)
		fmt.Println("delivered")

	case "initiate":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: troupectl initiate <persona> <channel-id> <starter-text>")
			os.Exit(1)
		}
		persona, channel := os.Args[2], os.Args[3]
		starter := strings.Join(os.Args[4:], " ")
		client := clientFor(persona)

		if redisStore == nil {
			redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
			exitOnError(err)
			defer redisStore.Close()
		}
		p, _ := roster.Lookup(persona)
		sess := models.NewConversationSession(channel, p.Name)
		exitOnError(redisStore.PutSession(ctx, sess))

		err = client.Initiate(ctx, models.InitiateRequest{
			StarterText: starter,
			ChannelID:   channel,
			IsNew:       true,
			SessionID:   sess.ID.String(),
		})
		exitOnError(err)
		fmt.Printf("initiated session %s\n", sess.ID)

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: troupectl <command> [args]

Commands:
  health [persona]                        agent health, or the whole roster
  send <persona> <channel-id> <text>      make a persona deliver text
  initiate <persona> <channel-id> <text>  start a conversation by hand

Environment:
  PERSONA_ROSTER  roster file (default roster.json)
  REDIS_URL       state store (default redis://localhost:6379/0)
  SERVICE_KEY     base64 ed25519 seed for signed requests`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
