package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/floegence/turnengine/internal/ai"
	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/logging"
)

var (
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

const chatClientID = "cli"

type turnRunner interface {
	Chat(ctx context.Context, req ai.TurnRequest) (ai.TurnResult, error)
}

func chatCmd(args []string) error {
	fs, cfgPath := newFlagSet("chat")
	convID := fs.String("conversation", "", "continue an existing conversation")
	model := fs.String("model", "", "model id <provider>/<model> (default: configured default)")
	stream := fs.Bool("stream", true, "stream the reply as it is generated")
	noTools := fs.Bool("no-tools", false, "disable tool use")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	// Logs go to stderr at warn so they do not interleave with replies.
	logger, err := logging.NewWithWriter(os.Stderr, cfg.Log.Format, "warn")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	r := &repl{
		in:      os.Stdin,
		out:     os.Stdout,
		turns:   rt.engine,
		styled:  isTerminalWriter(os.Stdout),
		width:   terminalWidth(os.Stdout),
		convID:  strings.TrimSpace(*convID),
		model:   strings.TrimSpace(*model),
		stream:  *stream,
		noTools: *noTools,
	}
	return r.run(ctx)
}

// repl reads one user message per line and prints the reply.
//
// Lines starting with "/" are commands: /new starts a fresh conversation,
// /id prints the current conversation id, /quit exits.
type repl struct {
	in    io.Reader
	out   io.Writer
	turns turnRunner

	styled bool
	width  int

	convID  string
	model   string
	stream  bool
	noTools bool
}

func (r *repl) render(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *repl) prompt() {
	fmt.Fprint(r.out, r.render(userLabel, "you")+"> ")
}

func (r *repl) run(ctx context.Context) error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	r.prompt()
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/new":
			r.convID = ""
			fmt.Fprintln(r.out, r.render(toolStyle, "(new conversation)"))
		case "/id":
			id := r.convID
			if id == "" {
				id = "(none yet)"
			}
			fmt.Fprintln(r.out, id)
		default:
			r.turn(ctx, line)
		}
		r.prompt()
	}
	fmt.Fprintln(r.out)
	return sc.Err()
}

func (r *repl) turn(ctx context.Context, message string) {
	fmt.Fprint(r.out, r.render(assistantLabel, "assistant")+"> ")
	streamed := false
	req := ai.TurnRequest{
		ConversationID: r.convID,
		ClientID:       chatClientID,
		Trusted:        true,
		Message:        message,
		Model:          r.model,
		Stream:         r.stream,
		DisableTools:   r.noTools,
		OnEvent: func(ev sse.Event) {
			if ev.ConversationID != "" {
				r.convID = ev.ConversationID
			}
			data, _ := ev.Data.(map[string]any)
			switch ev.Type {
			case sse.TypeContentChunk:
				if s, ok := data["content"].(string); ok {
					streamed = true
					fmt.Fprint(r.out, s)
				}
			case sse.TypeToolExecution:
				fmt.Fprintf(r.out, "%s\n", r.render(toolStyle, fmt.Sprintf("[calling %v]", data["tool"])))
			case sse.TypeToolResult:
				fmt.Fprintf(r.out, "%s\n", r.render(toolStyle, fmt.Sprintf("[%v %v]", data["tool"], data["status"])))
			case sse.TypeFollowupGeneration:
				fmt.Fprint(r.out, r.render(assistantLabel, "assistant")+"> ")
			}
		},
	}

	res, err := r.turns.Chat(ctx, req)
	if res.ConversationID != "" {
		r.convID = res.ConversationID
	}
	if err != nil {
		if streamed {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, r.render(errorStyle, fmt.Sprintf("[%s] %v", errs.Code(err), err)))
		return
	}
	if !streamed {
		content := res.Content
		if r.styled && r.width > 0 {
			content = lipgloss.NewStyle().Width(r.width).Render(content)
		}
		fmt.Fprint(r.out, content)
	}
	fmt.Fprintln(r.out)
}
