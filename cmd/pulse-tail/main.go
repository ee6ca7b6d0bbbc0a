// Command pulse-tail follows a city room from the terminal. Lines typed on
// stdin are sent to the room; every message in the room is printed as it
// arrives, with history filled in after each reconnect.
//
// Usage:
//
//	pulse-tail -url http://localhost:8080 -room miami -token $TOKEN
//	pulse-tail -room nyc -secret $JWT_SECRET -user u-42 -name ana   # mint a dev token
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/pulse-chat-relay/internal/auth"
	"github.com/tbourn/pulse-chat-relay/internal/chatclient"
	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
	"github.com/tbourn/pulse-chat-relay/internal/sysutil"
)

func main() {
	_ = godotenv.Load()

	var (
		baseURL = flag.String("url", sysutil.FirstNonEmpty(os.Getenv("PULSE_URL"), "http://localhost:8080"), "relay base URL")
		room    = flag.String("room", sysutil.FirstNonEmpty(os.Getenv("PULSE_ROOM"), "miami"), "room id")
		token   = flag.String("token", os.Getenv("PULSE_TOKEN"), "bearer token")
		secret  = flag.String("secret", "", "HS256 secret to mint a dev token (instead of -token)")
		issuer  = flag.String("issuer", os.Getenv("JWT_ISSUER"), "issuer for a minted token")
		userID  = flag.String("user", "", "user id for a minted token")
		name    = flag.String("name", "", "display name for a minted token")
		apiBase = flag.String("api", sysutil.FirstNonEmpty(os.Getenv("API_BASE_PATH"), "/api"), "REST base path")
		verbose = flag.Bool("v", sysutil.IsTruthy(os.Getenv("PULSE_VERBOSE")), "log connection events")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	lg := sysutil.SetupLogger(os.Stderr, level, true)

	tok := *token
	if *secret != "" {
		id := auth.Identity{UserID: *userID, Username: sysutil.FirstNonEmpty(*name, *userID)}
		if id.UserID == "" {
			fmt.Fprintln(os.Stderr, "pulse-tail: -user is required with -secret")
			os.Exit(2)
		}
		var err error
		if tok, err = auth.Sign(*secret, *issuer, id, 12*time.Hour); err != nil {
			log.Fatal().Err(err).Msg("mint token")
		}
	}
	if tok == "" {
		fmt.Fprintln(os.Stderr, "pulse-tail: a -token or -secret is required")
		os.Exit(2)
	}

	out := bufio.NewWriter(os.Stdout)
	client, err := chatclient.New(chatclient.Config{
		BaseURL:     *baseURL,
		APIBasePath: *apiBase,
		Room:        *room,
		Token:       tok,
		Logger:      &lg,
		OnMessage: func(m domain.ChatMessage) {
			fmt.Fprintln(out, formatMessage(m))
			_ = out.Flush()
		},
		OnError: func(e relay.ErrorBody) {
			fmt.Fprintf(os.Stderr, "! %s: %s\n", e.Code, e.Message)
		},
		OnState: func(s chatclient.State) {
			log.Debug().Stringer("state", s).Msg("connection state")
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pulse-tail:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readInput(ctx, os.Stdin, client)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
}

// readInput sends each non-blank line from r until EOF or ctx is done.
func readInput(ctx context.Context, r io.Reader, c *chatclient.Client) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, err := c.Send(line); err != nil {
			return
		}
	}
}

// formatMessage renders one message as "15:04:05 #id name: content".
func formatMessage(m domain.ChatMessage) string {
	return fmt.Sprintf("%s #%d %s: %s",
		m.CreatedAt.Local().Format("15:04:05"), m.ID, sysutil.FirstNonEmpty(m.Username, m.UserID), m.Content)
}
