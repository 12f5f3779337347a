package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/domain/track"
)

// Embed colors
const (
	colorPlaying = 0x1DB954
	colorPaused  = 0xF1C40F
	colorIdle    = 0x95A5A6
	colorError   = 0xE74C3C
)

// nowPlayingEmbed renders a snapshot as the guild's "now playing" message.
func nowPlayingEmbed(snap playback.Snapshot) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Volume %d%% | Loop %s | %d in queue", snap.Volume, snap.Loop, snap.QueueLength),
		},
	}

	if snap.Current == nil {
		embed.Title = "Queue finished"
		embed.Description = "Add a track to keep the music going."
		embed.Color = colorIdle
		return embed
	}

	t := snap.Current.Track
	switch {
	case snap.Paused:
		embed.Title = "Paused"
		embed.Color = colorPaused
	case snap.Playing:
		embed.Title = "Now playing"
		embed.Color = colorPlaying
	default:
		embed.Title = "Loading"
		embed.Color = colorIdle
	}

	embed.Description = trackLine(t)
	embed.Fields = []*discordgo.MessageEmbedField{
		{Name: "Duration", Value: formatDuration(t), Inline: true},
		{Name: "Requested by", Value: requesterName(snap.Current.Requester), Inline: true},
	}
	if t.ArtworkURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: t.ArtworkURL}
	}
	if !snap.StartedAt.IsZero() {
		embed.Timestamp = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	return embed
}

// errorEmbed renders a playback failure.
func errorEmbed(t track.Track, detail string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Could not play track",
		Description: trackLine(t),
		Color:       colorError,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Reason", Value: truncate(detail, 1024)},
		},
	}
}

func trackLine(t track.Track) string {
	title := escapeMarkdown(truncate(t.Title, 200))
	if title == "" {
		title = "Unknown title"
	}
	line := title
	if t.URI != "" {
		line = fmt.Sprintf("[%s](%s)", title, t.URI)
	}
	if t.Author != "" {
		line += " by " + escapeMarkdown(t.Author)
	}
	return line
}

func formatDuration(t track.Track) string {
	if t.IsStream {
		return "Live"
	}
	if t.Duration <= 0 {
		return "Unknown"
	}
	total := int(t.Duration.Round(time.Second).Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func requesterName(r track.Requester) string {
	if r.ID != "" {
		return "<@" + r.ID + ">"
	}
	if r.Name != "" {
		return r.Name
	}
	return "Unknown"
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "~", `\~`, "`", "\\`", "|", `\|`, "[", `\[`, "]", `\]`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
