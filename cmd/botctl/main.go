// Package main provides the operator CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"google.golang.org/protobuf/types/known/structpb"

	apiconnect "github.com/osa030/19dj/internal/api/connect"
)

var (
	app    = kingpin.New("19dj-botctl", "19dj operator client")
	server = app.Flag("server", "Control API address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Control token (or set CONTROL_TOKEN env)").Envar("CONTROL_TOKEN").String()

	// status command
	statusCmd   = app.Command("status", "Show a guild queue")
	statusGuild = statusCmd.Arg("guild-id", "Guild ID").Required().String()

	// list command
	listCmd = app.Command("list", "List active guild queues").Alias("ls")

	// play command
	playCmd   = app.Command("play", "Resolve a query and queue it")
	playGuild = playCmd.Arg("guild-id", "Guild ID").Required().String()
	playVoice = playCmd.Arg("voice-channel-id", "Voice channel ID").Required().String()
	playQuery = playCmd.Arg("query", "Search text or URL").Required().String()
	playText  = playCmd.Flag("text-channel", "Text channel for the now playing message").String()

	// search command
	searchCmd   = app.Command("search", "Search without queueing")
	searchQuery = searchCmd.Arg("query", "Search text or URL").Required().String()
	searchLimit = searchCmd.Flag("limit", "Maximum results").Default("5").Int()

	// skip command
	skipCmd   = app.Command("skip", "Skip the current track")
	skipGuild = skipCmd.Arg("guild-id", "Guild ID").Required().String()

	// stop command
	stopCmd   = app.Command("stop", "Clear the queue and leave voice")
	stopGuild = stopCmd.Arg("guild-id", "Guild ID").Required().String()

	// volume command
	volumeCmd   = app.Command("volume", "Set the volume")
	volumeGuild = volumeCmd.Arg("guild-id", "Guild ID").Required().String()
	volumeValue = volumeCmd.Arg("percent", "Volume (1-100)").Required().Int()

	// loop command
	loopCmd   = app.Command("loop", "Set the loop mode")
	loopGuild = loopCmd.Arg("guild-id", "Guild ID").Required().String()
	loopMode  = loopCmd.Arg("mode", "off, track or queue").Required().Enum("off", "track", "queue")

	// pause command
	pauseCmd   = app.Command("pause", "Pause playback")
	pauseGuild = pauseCmd.Arg("guild-id", "Guild ID").Required().String()

	// resume command
	resumeCmd   = app.Command("resume", "Resume playback")
	resumeGuild = resumeCmd.Arg("guild-id", "Guild ID").Required().String()

	// watch command
	watchCmd   = app.Command("watch", "Stream queue changes")
	watchGuild = watchCmd.Arg("guild-id", "Guild ID (all guilds when omitted)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: control token is required (use --token or CONTROL_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewClient(http.DefaultClient, *server, *token)

	if command == watchCmd.FullCommand() {
		watch(client, *watchGuild)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case statusCmd.FullCommand():
		printStatus(call(ctx, client, apiconnect.ProcedureStatus, map[string]any{"guild_id": *statusGuild}))
	case listCmd.FullCommand():
		listQueues(call(ctx, client, apiconnect.ProcedureListQueues, nil))
	case playCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedurePlay, map[string]any{
			"guild_id":         *playGuild,
			"voice_channel_id": *playVoice,
			"text_channel_id":  *playText,
			"query":            *playQuery,
		}))
	case searchCmd.FullCommand():
		printSearch(call(ctx, client, apiconnect.ProcedureSearch, map[string]any{
			"query": *searchQuery,
			"limit": *searchLimit,
		}))
	case skipCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedureSkip, map[string]any{"guild_id": *skipGuild}))
	case stopCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedureStop, map[string]any{"guild_id": *stopGuild}))
	case volumeCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedureSetVolume, map[string]any{
			"guild_id": *volumeGuild,
			"volume":   *volumeValue,
		}))
	case loopCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedureSetLoop, map[string]any{
			"guild_id": *loopGuild,
			"mode":     *loopMode,
		}))
	case pauseCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedurePause, map[string]any{"guild_id": *pauseGuild}))
	case resumeCmd.FullCommand():
		printResult(call(ctx, client, apiconnect.ProcedureResume, map[string]any{"guild_id": *resumeGuild}))
	}
}

func call(ctx context.Context, client *apiconnect.Client, procedure string, fields map[string]any) map[string]any {
	if fields == nil {
		fields = map[string]any{}
	}
	resp, err := client.Call(ctx, procedure, fields)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return resp.AsMap()
}

func watch(client *apiconnect.Client, guildID string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Watching queue changes (Ctrl+C to stop)...")
	err := client.Watch(ctx, guildID, func(msg *structpb.Struct) error {
		n := msg.AsMap()
		snap, _ := n["snapshot"].(map[string]any)
		fmt.Printf("[%s] guild=%s event=%s state=%s queue=%v %s\n",
			str(n["time"]), str(n["guild_id"]), str(n["event"]),
			str(snap["state"]), snap["queue_length"], currentTitle(snap))
		return nil
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printResult(r map[string]any) {
	if ok, _ := r["success"].(bool); !ok {
		fmt.Printf("Failed: %s (%s)\n", str(r["message"]), str(r["code"]))
		os.Exit(1)
	}
	if t, ok := r["track"].(map[string]any); ok {
		fmt.Printf("Queued: %s - %s\n", str(t["author"]), str(t["title"]))
		if added, _ := r["added"].(float64); added > 1 {
			fmt.Printf("  (%d tracks added)\n", int(added))
		}
		return
	}
	fmt.Println(str(r["message"]))
}

func printStatus(s map[string]any) {
	fmt.Printf("\n=== GUILD %s ===\n", str(s["guild_id"]))
	fmt.Printf("State: %s\n", str(s["state"]))
	fmt.Printf("Volume: %v%%\n", s["volume"])
	fmt.Printf("Loop: %s\n", str(s["loop"]))
	if started := str(s["started_at"]); started != "" {
		fmt.Printf("Started At: %s\n", started)
	}

	if cur, ok := s["current"].(map[string]any); ok {
		fmt.Println("\nCurrently Playing:")
		printTrack("  ", cur)
	} else {
		fmt.Println("\nNo track currently playing")
	}

	pending, _ := s["pending"].([]any)
	fmt.Printf("\nPending (%d):\n", len(pending))
	for i, p := range pending {
		if t, ok := p.(map[string]any); ok {
			fmt.Printf("  %2d. %s - %s [%s] (by %s)\n", i+1, str(t["author"]), str(t["title"]),
				formatMillis(t["duration_ms"], t["is_stream"]), str(t["requester"]))
		}
	}
	fmt.Println()
}

func listQueues(r map[string]any) {
	queues, _ := r["queues"].([]any)
	if len(queues) == 0 {
		fmt.Println("No active queues")
		return
	}
	fmt.Printf("%-22s %-12s %-7s %-6s %s\n", "GUILD", "STATE", "QUEUE", "VOLUME", "CURRENT")
	for _, q := range queues {
		s, ok := q.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("%-22s %-12s %-7v %-6v %s\n", str(s["guild_id"]), str(s["state"]),
			s["queue_length"], s["volume"], currentTitle(s))
	}
}

func printSearch(r map[string]any) {
	if ok, _ := r["success"].(bool); !ok {
		fmt.Printf("Failed: %s (%s)\n", str(r["message"]), str(r["code"]))
		os.Exit(1)
	}
	results, _ := r["results"].([]any)
	for i, item := range results {
		if t, ok := item.(map[string]any); ok {
			fmt.Printf("%2d. %s - %s [%s]\n    %s\n", i+1, str(t["author"]), str(t["title"]),
				formatMillis(t["duration_ms"], t["is_stream"]), str(t["uri"]))
		}
	}
}

func printTrack(indent string, t map[string]any) {
	fmt.Printf("%sTitle: %s\n", indent, str(t["title"]))
	fmt.Printf("%sAuthor: %s\n", indent, str(t["author"]))
	fmt.Printf("%sURI: %s\n", indent, str(t["uri"]))
	fmt.Printf("%sDuration: %s\n", indent, formatMillis(t["duration_ms"], t["is_stream"]))
	fmt.Printf("%sRequested by: %s\n", indent, str(t["requester"]))
}

func currentTitle(s map[string]any) string {
	cur, ok := s["current"].(map[string]any)
	if !ok {
		return "-"
	}
	return str(cur["title"])
}

func formatMillis(v, stream any) string {
	if live, _ := stream.(bool); live {
		return "live"
	}
	ms, _ := v.(float64)
	d := time.Duration(ms) * time.Millisecond
	return d.Round(time.Second).String()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
