// ABOUTME: Formatting utilities for the terminal client
// ABOUTME: Renders messages, rosters and relative timestamps as plain text lines
package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/aeolun/duochat/pkg/protocol"
)

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatRelativeTime formats a timestamp relative to now
// Returns strings like "just now", "5m ago", "2h ago", "3d ago"
func FormatRelativeTime(t time.Time) string {
	diff := time.Since(t)

	if diff < time.Minute {
		return "just now"
	}
	if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}

// MessageFormat controls how FormatMessage renders a line
type MessageFormat struct {
	SelfID         string
	Names          map[string]string // user id -> name
	UploadsBaseURL string
	ShowTimestamps bool
	Relative       bool
}

// FormatMessage renders one message as "[time] name: text [file url]"
func FormatMessage(m protocol.MessageEvent, f MessageFormat) string {
	var b strings.Builder

	if f.ShowTimestamps {
		ts := time.UnixMilli(m.CreatedAt)
		if f.Relative {
			fmt.Fprintf(&b, "[%s] ", FormatRelativeTime(ts))
		} else {
			fmt.Fprintf(&b, "[%s] ", ts.Format("15:04:05"))
		}
	}

	name := "me"
	if m.Sender != f.SelfID {
		name = lo.ValueOr(f.Names, m.Sender, m.Sender)
	}
	b.WriteString(name)
	b.WriteString(":")

	if m.Text != nil {
		b.WriteString(" ")
		b.WriteString(*m.Text)
	}
	if m.File != nil {
		link := *m.File
		if f.UploadsBaseURL != "" && m.ID != 0 {
			link = strings.TrimRight(f.UploadsBaseURL, "/") + "/uploads/" + *m.File
		}
		fmt.Fprintf(&b, " [file %s]", link)
	}

	return b.String()
}

// FormatRoster renders the online peers as a comma separated list
func FormatRoster(peers []protocol.Peer) string {
	if len(peers) == 0 {
		return "nobody online"
	}
	names := lo.Map(peers, func(p protocol.Peer, _ int) string { return p.UserName })
	return "online: " + strings.Join(names, ", ")
}
