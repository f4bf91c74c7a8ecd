// cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/agent"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/observability"
	"github.com/xkilldash9x/infant/internal/retrieval"
)

// requester is the part of the agent the console drives.
type requester interface {
	Run(ctx context.Context, request string, images ...string) (agent.State, error)
	Continue(ctx context.Context, reply string, images ...string) (agent.State, error)
	History() *memory.History
	Spent() float64
}

func newRunCmd() *cobra.Command {
	var (
		interactive bool
		imagePaths  []string
	)
	runCmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Run a request, or start a console when no request is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			images, err := loadImages(imagePaths)
			if err != nil {
				return err
			}

			console := len(args) == 0
			components, err := initializeComponents(ctx, cfg, interactive || console, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize agent: %w", err)
			}
			defer components.Shutdown()

			if console {
				return repl(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), components.Agent, images, logger)
			}
			return oneShot(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), components.Agent, strings.Join(args, " "), images, interactive)
		},
	}

	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Let the planner ask questions on the console.")
	runCmd.Flags().StringSliceVar(&imagePaths, "image", nil, "Image files attached to the first request.")
	runCmd.Flags().Float64("budget", 0, "Maximum spend in dollars per request. (Overrides config/env)")
	runCmd.Flags().Bool("critic", false, "Review every finished task. (Overrides config/env)")
	runCmd.Flags().Bool("summarize", false, "Summarize every finished task. (Overrides config/env)")
	runCmd.Flags().Bool("parse-request", false, "Extract mandatory standards from each request. (Overrides config/env)")
	runCmd.Flags().Bool("feedback", false, "Review every model completion on the console. (Overrides config/env)")
	runCmd.Flags().String("model", "", "Main model name. (Overrides config/env)")
	return runCmd
}

// oneShot runs request and, when interactive, answers the planner's
// questions from in until the request ends.
func oneShot(ctx context.Context, in io.Reader, out io.Writer, r requester, request string, images []string, interactive bool) error {
	state, err := r.Run(ctx, request, images...)
	report(out, r, state, err)
	scanner := bufio.NewScanner(in)
	for err == nil && interactive && state == agent.StateAwaitingUserInput {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		state, err = r.Continue(ctx, strings.TrimSpace(scanner.Text()))
		report(out, r, state, err)
	}
	return err
}

// repl reads one request per line until EOF or "exit". Failed requests are
// reported and the console keeps going.
func repl(ctx context.Context, in io.Reader, out io.Writer, r requester, images []string, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	state := agent.StateLoading
	for {
		fmt.Fprint(out, "infant > ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		var err error
		if state == agent.StateAwaitingUserInput {
			state, err = r.Continue(ctx, line, images...)
		} else {
			state, err = r.Run(ctx, line, images...)
		}
		images = nil
		report(out, r, state, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Warn("Request failed", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading console: %w", err)
	}
	fmt.Fprintln(out, "Bye.")
	return nil
}

// report prints the outcome of one request.
func report(out io.Writer, r requester, state agent.State, err error) {
	switch last := r.History().Last().(type) {
	case *memory.Finish:
		fmt.Fprintln(out, last.Thought)
	case *memory.Message:
		fmt.Fprintln(out, last.Thought)
	}
	switch {
	case errors.Is(err, agent.ErrBudgetExceeded):
		fmt.Fprintf(out, "[budget exhausted after $%.4f]\n", r.Spent())
	case err != nil:
		fmt.Fprintf(out, "[%s: %v]\n", state, err)
	default:
		fmt.Fprintf(out, "[%s, $%.4f]\n", state, r.Spent())
	}
}

// loadImages reads host image files as data URLs.
func loadImages(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", p, err)
		}
		mime := http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%s is not an image (%s)", p, mime)
		}
		out = append(out, retrieval.DataURL(mime, data))
	}
	return out, nil
}
