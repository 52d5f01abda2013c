package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"visionforge/internal/queue"
)

// severity classifies a status line for labeling and color.
type severity int

const (
	sevInfo severity = iota
	sevOK
	sevWarn
	sevError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

func (s severity) label() string {
	switch s {
	case sevOK:
		return "ok"
	case sevWarn:
		return "warn"
	case sevError:
		return "error"
	default:
		return "info"
	}
}

func (s severity) color() string {
	switch s {
	case sevOK:
		return ansiGreen
	case sevWarn:
		return ansiYellow
	case sevError:
		return ansiRed
	default:
		return ansiBlue
	}
}

// statusLine renders one aligned report row. Only the severity tag is
// colored so the detail text stays copy-paste friendly.
func statusLine(label string, sev severity, detail string, colorize bool) string {
	tag := fmt.Sprintf("%-5s", sev.label())
	if colorize {
		tag = sev.color() + tag + ansiReset
	}
	line := fmt.Sprintf("  %s %-18s", tag, label)
	if detail != "" {
		line += " " + detail
	}
	return strings.TrimRight(line, " ")
}

func sectionHeader(title string, colorize bool) string {
	head := "--- " + strings.TrimSpace(title) + " ---"
	if colorize {
		return ansiBlue + head + ansiReset
	}
	return head
}

// jobSeverity maps a queue status onto the severity scale used by the
// queue and status commands.
func jobSeverity(status queue.Status) severity {
	switch status {
	case queue.StatusCompleted:
		return sevOK
	case queue.StatusFailed:
		return sevError
	case queue.StatusCancelled:
		return sevWarn
	default:
		return sevInfo
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
