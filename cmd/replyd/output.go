package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/stream"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notice is a one-line message prefixed with a colored symbol.
type notice struct {
	color, symbol string
}

var (
	noticeOK   = notice{colorGreen, "✓"}
	noticeFail = notice{colorRed, "✗"}
	noticeWarn = notice{colorYellow, "⚠"}
)

func (n notice) fprint(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, colorize(n.color, n.symbol+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { noticeOK.fprint(os.Stderr, format, args...) }
func printError(format string, args ...any)   { noticeFail.fprint(os.Stderr, format, args...) }
func printWarning(format string, args ...any) { noticeWarn.fprint(os.Stderr, format, args...) }

// field writes an indented "Label: value" line.
func field(w io.Writer, label, format string, args ...any) {
	fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// variantState colors a stored variant status.
func variantState(s history.VariantStatus) string {
	switch s {
	case history.VariantComplete:
		return colorize(colorGreen, string(s))
	case history.VariantFailed:
		return colorize(colorRed, string(s))
	default:
		return colorize(colorYellow, string(s))
	}
}

// recordState colors a record status. Partial records stand out.
func recordState(status string) string {
	if status == history.StatusPartial {
		return colorize(colorYellow, status)
	}
	return colorize(colorGreen, status)
}

// describe renders reply metadata as "(tone, length, confidence 0.80)".
func describe(md *stream.Metadata) string {
	if md == nil {
		return ""
	}
	return colorize(colorCyan, fmt.Sprintf("(%s, %s, confidence %.2f)", md.Tone, md.Length, md.Confidence))
}

// heading is the bold "Variant N" label; indexes are shown one-based.
func heading(index int) string {
	return colorize(colorBold, fmt.Sprintf("Variant %d", index+1))
}
