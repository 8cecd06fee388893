package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"consult-tasktrack/internal/config"
	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/pkg/logger"
)

const envPrefix = "TASKTRACK"

// flagKeys maps persistent flags onto config keys. The same keys are read
// from TASKTRACK_* environment variables, e.g. TASKTRACK_PUSH_URL.
var flagKeys = map[string]string{
	"api-url":         "api.base_url",
	"token":           "api.token",
	"submit-endpoint": "api.submit_endpoint",
	"push-transport":  "push.transport",
	"push-url":        "push.url",
	"store-driver":    "store.driver",
	"store-dsn":       "store.dsn",
	"store-path":      "store.path",
	"workspace":       "tracker.workspace",
	"log-level":       "log.level",
	"listen":          "server.address",
	"cleanup-cron":    "cleanup.schedule",
	"always-poll":     "poll.always",
	"auto-release":    "tracker.auto_release",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	v := newViper()

	var cfg *config.Config
	root := &cobra.Command{
		Use:           "tasktrackd",
		Short:         "Track long-running backend jobs",
		Long:          "tasktrackd follows asynchronous backend jobs over polling and a push channel and keeps tracking across restarts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := logger.Init(loaded.Log); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a .json, .yaml or .toml config file")
	flags.String("api-url", "", "job-status API base URL")
	flags.String("token", "", "bearer token for the API and push channel")
	flags.String("submit-endpoint", "", "job-creation endpoint used by submit")
	flags.String("push-transport", "", "push transport: websocket, amqp or none")
	flags.String("push-url", "", "push channel URL (defaults to <api-url>/ws/status)")
	flags.String("store-driver", "", "client state backend: memory, file, redis, mysql, postgres or sqlite")
	flags.String("store-dsn", "", "DSN for the SQL state backends")
	flags.String("store-path", "", "state file for the file backend")
	flags.String("workspace", "", "workspace to list tasks for")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("listen", "", "serve the status API and /metrics on this address in watch mode")
	flags.String("cleanup-cron", "", "cron schedule for remote cleanup in watch mode")
	flags.Bool("always-poll", false, "poll even when nothing is tracked")
	flags.Bool("auto-release", false, "forget persisted handles once a task is terminal")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	flags.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})

	build := func(cmd *cobra.Command, adjust ...func(*config.Config)) (*app, error) {
		if cfg == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "configuration not loaded")
		}
		for _, fn := range adjust {
			fn(cfg)
		}
		return newApp(cmd.Context(), cfg)
	}
	root.AddCommand(
		newWatchCmd(build),
		newSubmitCmd(build),
		newTrackCmd(build),
		newResumeCmd(build),
		newCancelCmd(build),
		newResetCmd(build),
		newCleanupCmd(build),
	)
	return root
}

// loadConfig reads the config file, if any, and layers flags and
// environment on top.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overlay := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := strings.TrimSpace(v.GetString(key)); s != "" {
				*dst = s
			}
		}
	}
	overlay("api.base_url", &cfg.API.BaseURL)
	overlay("api.token", &cfg.API.Token)
	overlay("api.submit_endpoint", &cfg.API.SubmitEndpoint)
	overlay("push.transport", &cfg.Push.Transport)
	overlay("push.url", &cfg.Push.URL)
	overlay("store.driver", &cfg.Store.Driver)
	overlay("store.dsn", &cfg.Store.DSN)
	overlay("store.path", &cfg.Store.Path)
	overlay("tracker.workspace", &cfg.Tracker.Workspace)
	overlay("log.level", &cfg.Log.Level)
	overlay("server.address", &cfg.Server.Address)
	overlay("cleanup.schedule", &cfg.Cleanup.Schedule)
	if v.IsSet("poll.always") {
		cfg.Poll.Always = v.GetBool("poll.always")
	}
	if v.IsSet("tracker.auto_release") {
		cfg.Tracker.AutoRelease = v.GetBool("tracker.auto_release")
	}

	cfg.ApplyDefaults(".")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reportError shows err once: printed to w when its code is meant for the
// user, logged at its severity otherwise.
func reportError(w io.Writer, err error) {
	if err == nil {
		return
	}
	if xerrors.ShouldSurface(err) {
		fmt.Fprintln(w, "Error:", err)
		return
	}
	logger.L().Log(context.Background(), xerrors.LogLevel(err), "command failed", "code", xerrors.CodeOf(err), "error", err)
}
