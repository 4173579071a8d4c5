package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	urlStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Underline(true)
)

type bannerOptions struct {
	Version  string
	Addr     string
	DataDir  string
	Model    string
	AuthMode string
}

func printBanner(w io.Writer, opts bannerOptions) {
	styled := isTerminalWriter(w)
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, render(titleStyle, "turnengine "+strings.TrimSpace(opts.Version)))
	rows := [][2]string{
		{"API", render(urlStyle, "http://"+opts.Addr+"/v1")},
		{"Data", opts.DataDir},
		{"Model", opts.Model},
		{"Auth", opts.AuthMode},
	}
	for _, r := range rows {
		if strings.TrimSpace(r[1]) == "" {
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", render(labelStyle, fmt.Sprintf("%-6s", r[0])), r[1])
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
