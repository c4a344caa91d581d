// Command taskfeed-tail follows one owner's snapshot stream and prints each
// published snapshot. Useful for watching aggregation behavior during
// development without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/teamnotes/taskfeed/internal/taskfeed"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("TASKFEED_BASE_URL", "http://127.0.0.1:8080"), "taskfeed base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("TASKFEED_TOKEN")), "bearer token")
	ownerID := flag.String("owner", strings.TrimSpace(os.Getenv("TASKFEED_OWNER")), "owner ID to follow")
	reconnectDelay := flag.Duration("reconnect-delay", 2*time.Second, "delay before reconnecting a dropped stream")
	once := flag.Bool("once", false, "print the first snapshot and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or TASKFEED_TOKEN)")
	}
	if strings.TrimSpace(*ownerID) == "" {
		log.Fatalf("owner is required (--owner or TASKFEED_OWNER)")
	}

	streamURL, err := buildStreamURL(*baseURL, *ownerID, *token)
	if err != nil {
		log.Fatalf("invalid base URL: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := follow(ctx, streamURL, *once)
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Printf("stream dropped: %v; reconnecting in %s", err, *reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(*reconnectDelay):
		}
	}
}

func follow(ctx context.Context, streamURL string, once bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, streamURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var snap taskfeed.Snapshot
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printSnapshot(snap)
		if once {
			return nil
		}
	}
}

func buildStreamURL(base, ownerID, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/v1/owners/" + url.PathEscape(ownerID) + "/stream"
	query := parsed.Query()
	query.Set("access_token", token)
	query.Set("correlationId", fmt.Sprintf("tail-%d", time.Now().UnixNano()))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func printSnapshot(snap taskfeed.Snapshot) {
	state := snap.Connection.String()
	if snap.Partial {
		state += " partial"
	}
	fmt.Printf("seq=%d tasks=%d connection=%s published=%s\n",
		snap.Seq, len(snap.Tasks), state, snap.PublishedAt.Format(time.RFC3339))
	for _, task := range snap.Tasks {
		origin := task.TeamID
		if origin == "" {
			origin = "personal"
		}
		fmt.Printf("  %-12s %-10s %-24s %s\n", task.TaskID, origin, truncate(task.Title, 24), task.Status)
	}
}

// truncate shortens s to at most n runes; byte slicing would split
// multi-byte titles mid-rune.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
