package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"subaru/pkg/session"
)

// builtinKind enumerates the compiled-in commands. The table controls which
// of them are available and to whom; the set itself is fixed at build time.
type builtinKind int

const (
	builtinHelp builtinKind = iota
	builtinPing
	builtinDisk
	builtinReload
	builtinMagnet
	builtinMagnetConfig
	builtinMagnetList
	builtinMagnetInfo
)

var builtinKinds = map[string]builtinKind{
	"help":          builtinHelp,
	"ping":          builtinPing,
	"espacio":       builtinDisk,
	"disk":          builtinDisk,
	"reload":        builtinReload,
	"magnet":        builtinMagnet,
	"magnet-config": builtinMagnetConfig,
	"magnet-list":   builtinMagnetList,
	"magnet-info":   builtinMagnetInfo,
}

func (r *Router) runBuiltin(ctx context.Context, token, args, userID, roomID, channel string, snapshot *Snapshot) (Result, error) {
	kind, ok := builtinKinds[strings.TrimPrefix(token, r.prefix)]
	if !ok {
		return Result{}, fmt.Errorf("%w: no builtin behind %s", ErrNotFound, token)
	}

	switch kind {
	case builtinHelp:
		return Result{Reply: r.helpText(userID, snapshot)}, nil
	case builtinPing:
		return Result{Reply: "Pong! 🏓"}, nil
	case builtinDisk:
		return r.diskUsage(ctx)
	case builtinReload:
		if err := r.registry.Reload(); err != nil {
			return Result{}, err
		}
		return Result{Reply: "✅ Configuration reloaded successfully!"}, nil
	case builtinMagnet:
		return r.magnetSubmit(ctx, userID, roomID, channel, args, snapshot)
	case builtinMagnetConfig:
		return r.magnetConfig(userID, args)
	case builtinMagnetList:
		return r.magnetList(ctx, userID, snapshot)
	case builtinMagnetInfo:
		return r.magnetInfo(ctx, userID, args, snapshot)
	default:
		return Result{}, fmt.Errorf("%w: no builtin behind %s", ErrNotFound, token)
	}
}

func (r *Router) helpText(userID string, snapshot *Snapshot) string {
	tokens := make([]string, 0, len(snapshot.Commands))
	for token := range snapshot.Commands {
		if snapshot.IsAllowed(userID, token) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)

	var b strings.Builder
	b.WriteString("**Available Commands:**\n\n")
	for _, token := range tokens {
		def := snapshot.Commands[token]
		description := def.Description
		if description == "" {
			description = "No description"
		}
		fmt.Fprintf(&b, "• `%s` - %s\n", token, description)
	}
	b.WriteString("\n**AI:**\n• Mention the bot's trigger word in a plain message to chat (if enabled for your user)\n")
	return b.String()
}

func (r *Router) diskUsage(ctx context.Context) (Result, error) {
	stdout, stderr, err := captureScript(ctx, "df -h /", "", 5*time.Second)
	if err != nil {
		return Result{}, err
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return Result{Reply: formatScriptOutput(stdout, stderr)}, nil
	}

	data := strings.Fields(lines[1])
	if len(data) < 6 {
		return Result{Reply: formatScriptOutput(stdout, stderr)}, nil
	}

	reply := fmt.Sprintf(
		"💾 **Disk usage (%s):**\n\n• **Total:** %s\n• **Used:** %s (%s)\n• **Available:** %s\n• **Filesystem:** %s",
		data[5], data[1], data[2], data[4], data[3], data[0],
	)
	return Result{Reply: reply}, nil
}

func (r *Router) magnetSubmit(ctx context.Context, userID, roomID, channel, args string, snapshot *Snapshot) (Result, error) {
	if args == "" {
		return Result{Reply: "Usage: `!magnet magnet:?xt=...`"}, nil
	}
	if r.downloads == nil {
		return Result{Reply: "❌ Download tracking is not configured."}, nil
	}

	apiKey := r.debridKey(userID, snapshot)
	if apiKey == "" {
		return Result{Reply: "❌ RealDebrid API key not configured. Use `!magnet-config <your_api_key>` to set it up."}, nil
	}

	submitted, err := r.downloads.Submit(ctx, userID, roomID, channel, apiKey, args)
	if err != nil {
		return Result{}, err
	}

	r.sessions.Update(userID, func(sess *session.Session) {
		sess.Counters.JobsSubmitted++
	})

	var b strings.Builder
	b.WriteString("✅ **Torrent Added Successfully!**\n\n")
	fmt.Fprintf(&b, "• **Torrent ID:** `%s`\n", submitted.Job.TorrentID)
	if submitted.Job.Filename != "" {
		fmt.Fprintf(&b, "• **Filename:** %s\n", submitted.Job.Filename)
	}
	if submitted.Hash != "" {
		fmt.Fprintf(&b, "• **Hash:** `%s`\n", submitted.Hash)
	}
	b.WriteString("\n")
	if submitted.NeedsManualSelection {
		b.WriteString("⚠️ **Auto-start failed** - select files manually in the RealDebrid web interface.\n\n")
	} else {
		b.WriteString("_Download started, progress is being tracked._ 📊\n\n")
	}
	b.WriteString("You'll be notified here when it's ready. Use `!magnet-list` for download links.")

	return Result{Reply: b.String()}, nil
}

func (r *Router) magnetConfig(userID, apiKey string) (Result, error) {
	if apiKey == "" {
		return Result{Reply: "Usage: `!magnet-config <your_real_debrid_api_key>`"}, nil
	}

	if err := r.registry.SetDebridKey(userID, apiKey); err != nil {
		return Result{}, err
	}
	r.sessions.Update(userID, func(sess *session.Session) {
		sess.DebridAPIKey = apiKey
	})

	return Result{Reply: "✅ RealDebrid API key configured successfully!"}, nil
}

func (r *Router) magnetList(ctx context.Context, userID string, snapshot *Snapshot) (Result, error) {
	apiKey := r.debridKey(userID, snapshot)
	if apiKey == "" {
		return Result{Reply: "❌ RealDebrid API key not configured."}, nil
	}

	torrents, err := r.rd.ListTorrents(ctx, apiKey)
	if err != nil {
		return Result{}, err
	}
	if len(torrents) == 0 {
		return Result{Reply: "📭 No torrents found."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Your Torrents (%d)**\n\n", len(torrents))

	shown := torrents
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, torrent := range shown {
		if torrent.Status == "downloaded" && len(torrent.Links) > 0 {
			fmt.Fprintf(&b, "✅ **%s**\n", torrent.Filename)
			links := torrent.Links
			if len(links) > 3 {
				links = links[:3]
			}
			for _, link := range links {
				unrestricted, err := r.rd.Unrestrict(ctx, apiKey, link)
				if err != nil {
					fmt.Fprintf(&b, "  📥 `%s`\n", link)
					continue
				}
				fmt.Fprintf(&b, "  📥 [%s](%s)\n", unrestricted.Filename, unrestricted.Download)
			}
			if len(torrent.Links) > 3 {
				fmt.Fprintf(&b, "  ... and %d more files\n", len(torrent.Links)-3)
			}
		} else {
			fmt.Fprintf(&b, "%s **%s** - Status: `%s`\n", statusEmoji(torrent.Status), torrent.Filename, torrent.Status)
		}
		b.WriteString("\n")
	}
	if len(torrents) > 10 {
		fmt.Fprintf(&b, "... and %d more\n", len(torrents)-10)
	}

	return Result{Reply: b.String()}, nil
}

func (r *Router) magnetInfo(ctx context.Context, userID, torrentID string, snapshot *Snapshot) (Result, error) {
	if torrentID == "" {
		return Result{Reply: "Usage: `!magnet-info <torrent_id>`"}, nil
	}

	apiKey := r.debridKey(userID, snapshot)
	if apiKey == "" {
		return Result{Reply: "❌ RealDebrid API key not configured."}, nil
	}

	torrent, err := r.rd.TorrentInfo(ctx, apiKey, torrentID)
	if err != nil {
		return Result{}, err
	}

	reply := fmt.Sprintf(
		"📋 **Torrent Info (ID: %s)**\n\n• **Name:** %s\n• **Status:** %s\n• **Progress:** %.0f%%\n• **Bytes:** %d\n• **Added:** %s",
		torrent.ID, torrent.Filename, torrent.Status, torrent.Progress, torrent.Bytes, torrent.Added,
	)
	return Result{Reply: reply}, nil
}

// debridKey prefers the session's runtime credential, falling back to the
// configured user table.
func (r *Router) debridKey(userID string, snapshot *Snapshot) string {
	if sess, ok := r.sessions.View(userID); ok && sess.DebridAPIKey != "" {
		return sess.DebridAPIKey
	}
	if cfg, ok := snapshot.User(userID); ok {
		return cfg.RealDebridAPIKey
	}
	return ""
}

func statusEmoji(status string) string {
	switch status {
	case "downloading":
		return "⏳"
	case "queued", "waiting_files_selection":
		return "⏸️"
	case "magnet_conversion":
		return "🔄"
	case "error", "virus", "dead":
		return "❌"
	default:
		return "📦"
	}
}
