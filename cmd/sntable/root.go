package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
	"github.com/RaikaSurendra/servicenow-table-client/internal/logging"
	"github.com/RaikaSurendra/servicenow-table-client/internal/output"
	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// app carries the resolved settings shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func() error
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "sntable",
		Short: "ServiceNow Table API client",
		Long: `sntable lists, reads, creates, updates, replaces and deletes records
through the ServiceNow Table API, and streams tables to and from Kafka.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.cleanup != nil {
				return a.cleanup()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (YAML)")
	flags.StringP("instance", "i", "", "instance URL, e.g. dev01234.service-now.com")
	flags.StringP("user", "u", "", "user name")
	flags.StringP("password", "p", "", "password")
	flags.String("api-version", "", "Table API version, e.g. v2")
	flags.StringP("output", "o", output.FormatJSON, "output format (json, jsonl, yaml, table)")
	flags.String("jq", "", "jq expression applied to the result before output")
	flags.BoolP("verbose", "v", false, "log every request URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Duration("timeout", 0, "per-request timeout, e.g. 30s")

	for _, name := range []string{"config", "instance", "user", "password", "api-version", "output", "jq", "verbose", "log-level", "timeout"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix("SNTABLE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newListCommand(a),
		newGetCommand(a),
		newGetByNumberCommand(a),
		newCreateCommand(a),
		newUpdateCommand(a, false),
		newUpdateCommand(a, true),
		newDeleteCommand(a),
		newExportCommand(a),
		newApplyCommand(a),
		newVersionCommand(a),
	)
	return root
}

// init loads .env, the config file and the flag/env overrides, then sets
// up logging.
func (a *app) init() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return err
	}

	sn := &cfg.ServiceNow
	override(&sn.InstanceURL, a.v.GetString("instance"))
	override(&sn.Username, a.v.GetString("user"))
	override(&sn.Password, a.v.GetString("password"))
	override(&sn.APIVersion, a.v.GetString("api-version"))
	override(&cfg.Log.Level, a.v.GetString("log-level"))
	if d := a.v.GetDuration("timeout"); d > 0 {
		sn.TimeoutSeconds = int((d + time.Second - 1) / time.Second)
	}

	logger, cleanup, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.cleanup = cfg, logger, cleanup
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// instance validates the connection settings and builds the client.
func (a *app) instance() (*servicenow.Instance, error) {
	if err := a.cfg.ServiceNow.Validate(); err != nil {
		return nil, fmt.Errorf("connection settings (flags, SNTABLE_* or config file): %w", err)
	}
	return servicenow.NewInstanceFromConfig(a.cfg.ServiceNow, a.logger), nil
}

// callOptions returns the options every Table call of this invocation gets.
func (a *app) callOptions() []servicenow.CallOption {
	var opts []servicenow.CallOption
	if v := a.cfg.ServiceNow.APIVersion; v != "" {
		opts = append(opts, servicenow.APIVersion(v))
	}
	if a.v.GetBool("verbose") {
		opts = append(opts, servicenow.Verbose())
	}
	return opts
}

func (a *app) renderer(cmd *cobra.Command) (*output.Renderer, error) {
	return output.New(cmd.OutOrStdout(), a.v.GetString("output"), a.v.GetString("jq"))
}
