package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"consult-tasktrack/internal/config"
	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/tracker"
	"consult-tasktrack/pkg/logger"
)

// appBuilder wires an app from the loaded configuration. Adjustments run on
// the configuration first.
type appBuilder func(cmd *cobra.Command, adjust ...func(*config.Config)) (*app, error)

func newWatchCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the workspace task list and print every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return watch(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func watch(ctx context.Context, a *app, out io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	var scheduler *cron.Cron
	if schedule := a.cfg.Cleanup.Schedule; schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(schedule, func() {
			cleanupCtx, cancel := context.WithTimeout(gctx, a.cfg.API.Timeout.Std())
			defer cancel()
			if err := a.controller.Cleanup(cleanupCtx); err != nil {
				logger.L().Log(cleanupCtx, xerrors.LogLevel(err), "scheduled cleanup failed", "error", err)
			}
		}); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse cleanup schedule")
		}
	}

	unsubscribe := a.controller.Subscribe(printer(out))
	defer unsubscribe()

	if a.push != nil {
		a.push.Connect()
		defer a.push.Disconnect()
	}

	g.Go(func() error {
		err := a.controller.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if addr := a.cfg.Server.Address; addr != "" {
		srv := a.statusServer(addr)
		g.Go(func() error {
			logger.L().Info("serving status api", "address", addr)
			err := srv.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "status server")
			}
			return nil
		})
	}

	if scheduler != nil {
		scheduler.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}

func newSubmitCmd(build appBuilder) *cobra.Command {
	var (
		endpoint string
		params   []string
		detach   bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and follow it to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			a, err := build(cmd, func(c *config.Config) {
				if endpoint != "" {
					c.API.SubmitEndpoint = endpoint
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.controller.Submit(cmd.Context(), values)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if detach {
				return nil
			}
			return follow(cmd.Context(), a, []string{id}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "job-creation endpoint, overrides api.submit_endpoint")
	cmd.Flags().StringArrayVar(&params, "param", nil, "job parameter as key=value, repeatable")
	cmd.Flags().BoolVar(&detach, "detach", false, "print the task id and exit without following")
	return cmd
}

func newTrackCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "track <task-id>",
		Short: "Attach to an existing task and follow it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.controller.Track(cmd.Context(), args[0]); err != nil {
				return err
			}
			return follow(cmd.Context(), a, []string{strings.TrimSpace(args[0])}, cmd.OutOrStdout())
		},
	}
}

func newResumeCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume persisted tasks and follow the live ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			unsubscribe := a.controller.Subscribe(printer(out))
			resumeErr := a.controller.Resume(cmd.Context())
			unsubscribe()
			if resumeErr != nil {
				logger.L().Log(cmd.Context(), xerrors.LogLevel(resumeErr), "resume finished with lookup errors", "error", resumeErr)
			}

			var live []string
			for _, id := range a.controller.Tracked() {
				if rec, ok := a.controller.CurrentState(id); ok && !rec.Terminal() {
					live = append(live, id)
				}
			}
			if len(live) == 0 {
				fmt.Fprintln(out, "no live tasks to follow")
				return resumeErr
			}
			return errors.Join(resumeErr, follow(cmd.Context(), a, live, out))
		},
	}
}

func newCancelCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Ask the backend to cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.controller.Cancel(cmd.Context(), args[0])
		},
	}
}

func newResetCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Forget a task locally, including persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			a.controller.Reset(cmd.Context(), args[0])
			return nil
		},
	}
}

func newCleanupCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune finished tasks on the backend and expired local state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.controller.Cleanup(cmd.Context()); err != nil {
				return err
			}
			for _, rec := range a.controller.Tasks("") {
				fmt.Fprintln(cmd.OutOrStdout(), formatRecord(rec.ID, string(rec.Effective), rec.Progress, rec.Message))
			}
			return nil
		},
	}
}

// follow polls and listens until every id is terminal or dropped, or ctx is
// done.
func follow(ctx context.Context, a *app, ids []string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	show := printer(out)
	unsubscribe := a.controller.Subscribe(func(e tracker.Event) {
		show(e)
		if !e.Removed && !e.Record.Terminal() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := pending[e.Record.ID]; !ok {
			return
		}
		delete(pending, e.Record.ID)
		if len(pending) == 0 {
			cancel()
		}
	})
	defer unsubscribe()

	err := a.poller.Run(ctx, a.controller.ShouldPoll)
	if a.push != nil {
		a.push.Disconnect()
	}
	mu.Lock()
	remaining := len(pending)
	mu.Unlock()
	if remaining == 0 {
		return nil
	}
	return err
}

func printer(out io.Writer) func(tracker.Event) {
	var mu sync.Mutex
	return func(e tracker.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Removed {
			fmt.Fprintf(out, "%s\tremoved\n", e.Record.ID)
			return
		}
		line := formatRecord(e.Record.ID, string(e.Record.Effective), e.Record.Progress, e.Record.Message)
		if e.Record.ErrorMessage != "" {
			line += "\terror=" + e.Record.ErrorMessage
		}
		fmt.Fprintln(out, line)
	}
}

func formatRecord(id, status string, progress int, message string) string {
	line := id + "\t" + status + "\t" + strconv.Itoa(progress) + "%"
	if message != "" {
		line += "\t" + message
	}
	return line
}

// parseParams turns repeated key=value flags into job parameters. Values
// that parse as JSON scalars keep their type.
func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "parameter must be key=value: "+kv)
		}
		params[key] = parseScalar(value)
	}
	return params, nil
}

func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
