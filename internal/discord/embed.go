package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/internal/session"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

// Embed sidebar colours.
const (
	embedColorGreen  = 0x1DB954
	embedColorYellow = 0xF1C40F
	embedColorGrey   = 0x95A5A6
)

// progressWidth is the number of cells in the progress bar.
const progressWidth = 20

// Player button custom IDs. They share [PlayerButtonPrefix].
const (
	PlayerButtonPrefix = "player:"
	ButtonPause        = PlayerButtonPrefix + "pause"
	ButtonResume       = PlayerButtonPrefix + "resume"
	ButtonSkip         = PlayerButtonPrefix + "skip"
	ButtonStop         = PlayerButtonPrefix + "stop"
)

// NowPlayingEmbed renders what a session is playing. stats may be nil.
func NowPlayingEmbed(info session.Info, pb session.Playback, stats *pipeline.Stats) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{Name: statusLine(pb)},
		Color:  embedColorGreen,
	}
	if !pb.Playing || pb.Status.State != connect.StateStreaming {
		e.Color = embedColorYellow
	}

	if !pb.HasTrack {
		e.Title = "Nothing playing yet"
		e.Description = "Pick this device in your player app to start listening."
	} else {
		t := pb.Track
		e.Title = t.Title
		e.URL = t.URL
		if t.CoverURL != "" {
			e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: t.CoverURL}
		}
		by := strings.Join(t.Artists, ", ")
		if t.Episode {
			by = t.Show
		}
		var desc strings.Builder
		if by != "" {
			fmt.Fprintf(&desc, "by **%s**\n", by)
		}
		if t.Album != "" && !t.Episode {
			fmt.Fprintf(&desc, "on *%s*\n", t.Album)
		}
		fmt.Fprintf(&desc, "\n`%s` %s `%s`", formatClock(pb.Position), ProgressBar(pb.Position, t.Duration, progressWidth), formatClock(t.Duration))
		e.Description = desc.String()
	}

	e.Fields = []*discordgo.MessageEmbedField{
		{Name: "Started by", Value: fmt.Sprintf("<@%s>", info.OwnerID), Inline: true},
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", info.ChannelID), Inline: true},
	}
	if info.OwnerID == "" {
		e.Fields[0].Value = "nobody (waiting for /join)"
	}
	if stats != nil {
		e.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("buffer %d frames · %d underruns · %d dropped", stats.Buffered, stats.Underruns, stats.Dropped),
		}
	}
	return e
}

// EndedEmbed replaces the now-playing embed once the session is gone.
func EndedEmbed(ev session.SessionEnded) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Session ended",
		Description: EndNotice(ev.Reason),
		Color:       embedColorGrey,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Duration", Value: formatDuration(ev.Duration), Inline: true},
			{Name: "Reason", Value: ev.Reason.String(), Inline: true},
		},
		Timestamp: ev.At.UTC().Format(time.RFC3339),
	}
}

// EndNotice is the text posted to the session's text channel when it ends.
// Endings the user asked for have no notice.
func EndNotice(r session.EndReason) string {
	switch r {
	case session.ReasonIdle:
		return "It's a little quiet in here, so I left the voice channel. Use `/join` to start again."
	case session.ReasonAuthFailed:
		return "The linked account was rejected. Check that it is a premium account and `/link` it again."
	case session.ReasonNetworkExhausted:
		return "Lost the connection to the player and could not get it back. Use `/join` to try again."
	case session.ReasonVoiceDisconnected:
		return "I was disconnected from the voice channel."
	case session.ReasonInternalError:
		return "Something went wrong and the session had to stop. Use `/join` to start again."
	case session.ReasonShutdown:
		return "The bot is restarting. Use `/join` again in a moment."
	default:
		return ""
	}
}

// PlayerButtons returns the control row shown under the now-playing embed.
func PlayerButtons(playing bool) []discordgo.MessageComponent {
	toggle := discordgo.Button{Label: "Pause", Style: discordgo.SecondaryButton, CustomID: ButtonPause}
	if !playing {
		toggle = discordgo.Button{Label: "Resume", Style: discordgo.SuccessButton, CustomID: ButtonResume}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			toggle,
			discordgo.Button{Label: "Skip", Style: discordgo.PrimaryButton, CustomID: ButtonSkip},
			discordgo.Button{Label: "Stop", Style: discordgo.DangerButton, CustomID: ButtonStop},
		}},
	}
}

// ProgressBar draws pos out of total as width cells. A zero total renders
// an empty bar.
func ProgressBar(pos, total time.Duration, width int) string {
	filled := 0
	if total > 0 {
		filled = int(int64(width) * int64(min(max(pos, 0), total)) / int64(total))
	}
	if filled >= width {
		return strings.Repeat("▬", width-1) + "🔘"
	}
	return strings.Repeat("▬", filled) + "🔘" + strings.Repeat("▬", width-filled-1)
}

func statusLine(pb session.Playback) string {
	switch pb.Status.State {
	case connect.StateConnecting:
		return "Connecting…"
	case connect.StateAuthenticated:
		return "Ready, waiting for playback"
	case connect.StateReconnecting:
		return "Reconnecting…"
	case connect.StateDisconnected:
		return "Waiting for a listener"
	case connect.StateFailed:
		return "Stopped"
	}
	if pb.Playing {
		return "Now playing"
	}
	return "Paused"
}

// formatClock formats a duration as m:ss or h:mm:ss.
func formatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
