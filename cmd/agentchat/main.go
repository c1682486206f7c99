package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/agentchat/internal/config"
	"github.com/zhouzirui/z-tavern/agentchat/internal/logging"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/render"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/session"
	"github.com/zhouzirui/z-tavern/agentchat/internal/stream"
	"github.com/zhouzirui/z-tavern/agentchat/internal/transport"
)

type options struct {
	agentID     string
	name        string
	description string
	modelKey    string
	temperature float64
	format      string
	width       int
	live        bool
	transport   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "agentchat",
		Short: "Chat with an agent through the streaming backend",
		Long: `Reads one message per line from stdin and streams the agent's reply.

Commands: /abort stops the current reply, /reset starts a new conversation,
/quit exits.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.agentID, "agent", "", "id of a stored agent; a new agent is created when empty")
	flags.StringVar(&opts.name, "name", "Assistant", "name of the agent to create")
	flags.StringVar(&opts.description, "description", "", "instructions of the agent to create")
	flags.StringVar(&opts.modelKey, "model", "", "model key of the agent to create (defaults to the first listed model)")
	flags.Float64Var(&opts.temperature, "temperature", agent.DefaultTemperature, "sampling temperature of the agent to create")
	flags.StringVar(&opts.format, "format", "terminal", "final reply rendering: terminal, html or raw")
	flags.IntVar(&opts.width, "width", 100, "word wrap width of terminal rendering")
	flags.BoolVar(&opts.live, "live", false, "redraw the rendered reply on every chunk")
	flags.StringVar(&opts.transport, "transport", "", "stream transport override: sse or ws")

	return cmd
}

func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	renderer, err := newRenderer(opts.format, opts.width)
	if err != nil {
		return err
	}

	dialer, err := newDialer(cfg.Client, opts.transport)
	if err != nil {
		return err
	}

	client := transport.New(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout, cfg.Client.RetryMax)
	engine := session.New(client, session.ManagerOpener(stream.NewManager(dialer, cfg.Client.HeartbeatTimeout)))
	defer engine.Close()

	if err := prepareAgent(ctx, engine, opts); err != nil {
		return err
	}

	st := engine.Snapshot()
	fmt.Fprintf(out, "chatting with %s (%s); /abort, /reset, /quit\n", st.Agent.Name, st.Agent.ModelKey)

	return loop(ctx, engine, readLines(in), newPrinter(out, renderer, opts.live))
}

func newRenderer(format string, width int) (render.Renderer, error) {
	switch strings.ToLower(format) {
	case "terminal":
		return render.NewTerminalRenderer(width)
	case "html":
		return render.NewHTMLRenderer(), nil
	case "raw":
		return nil, nil
	default:
		return nil, errors.Errorf("unknown format %q", format)
	}
}

func newDialer(cfg config.ClientConfig, override string) (stream.Dialer, error) {
	kind := cfg.StreamTransport
	if override != "" {
		kind = config.StreamTransport(strings.ToLower(override))
	}

	switch kind {
	case config.StreamSSE:
		return stream.NewSSEDialer(cfg.StreamBaseURL, cfg.ConnectTimeout), nil
	case config.StreamWebSocket:
		return stream.NewWSDialer(cfg.StreamBaseURL, cfg.ConnectTimeout), nil
	default:
		return nil, errors.Errorf("unknown stream transport %q", kind)
	}
}

func prepareAgent(ctx context.Context, engine *session.Engine, opts *options) error {
	engine.Bootstrap(ctx, opts.agentID)
	st := engine.Snapshot()
	if !st.IsBackendReachable {
		return errors.New("backend unreachable, check AGENTCHAT_API_BASE_URL")
	}
	if st.Agent.ID != "" {
		return nil
	}

	draft := st.Agent
	draft.Name = opts.name
	draft.Description = opts.description
	draft.Temperature = opts.temperature
	if opts.modelKey != "" {
		draft.ModelKey = opts.modelKey
	}
	if _, err := engine.UpsertAgent(ctx, draft); err != nil {
		return errors.Wrap(err, "create agent")
	}
	return nil
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// loop feeds input lines to the engine and prints state changes until the
// input ends, /quit is read or ctx is cancelled. At end of input it waits for
// a running reply to finish.
func loop(ctx context.Context, engine *session.Engine, lines <-chan string, p *printer) error {
	for {
		select {
		case <-ctx.Done():
			engine.Abort(context.WithoutCancel(ctx))
			return nil

		case <-engine.Changes():
			p.update(engine.Snapshot())

		case line, ok := <-lines:
			if !ok {
				return drain(ctx, engine, p)
			}
			if quit := handleLine(ctx, engine, strings.TrimSpace(line)); quit {
				return nil
			}
			p.update(engine.Snapshot())
		}
	}
}

func handleLine(ctx context.Context, engine *session.Engine, line string) bool {
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/abort":
		engine.Abort(ctx)
	case "/reset":
		engine.ResetConversation()
	default:
		if err := engine.SendMessage(ctx, line); err != nil {
			log.Debug().Err(err).Msg("send failed")
		}
	}
	return false
}

func drain(ctx context.Context, engine *session.Engine, p *printer) error {
	for {
		st := engine.Snapshot()
		p.update(st)
		if !st.IsStreaming {
			return nil
		}
		select {
		case <-ctx.Done():
			engine.Abort(context.WithoutCancel(ctx))
			return nil
		case <-engine.Changes():
		}
	}
}
