// Package cli implements the aggiestack command line.
//
// A leading "admin" argument runs the command with elevated access:
//
//	aggiestack admin show hardware
//	aggiestack server create --image linux-ubuntu --flavor small vm1
package cli

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/config"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/logging"
	"github.com/aggiestack/aggiestack/internal/services"
)

// AdminArg is the leading argument that selects elevated access.
const AdminArg = "admin"

// Options configure a CLI run.
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	// CommandLog receives one SUCCESS or ERROR line per command. Nil discards.
	CommandLog *logging.CommandLog

	Out io.Writer
	Err io.Writer
}

type app struct {
	opts   Options
	access domain.Access
	logger *zap.Logger
}

// Run executes one command line, args excluding the program name.
func Run(ctx context.Context, opts Options, args []string) error {
	cmdline := strings.Join(append([]string{"aggiestack"}, args...), " ")

	access := domain.NormalAccess("cli")
	if len(args) > 0 && args[0] == AdminArg {
		access = domain.AdminAccess("cli")
		args = args[1:]
	}

	a := &app{
		opts:   opts,
		access: access,
		logger: opts.Logger.With(zap.String("component", "cli"), zap.Bool("admin", access.Elevated)),
	}

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	err := root.ExecuteContext(ctx)

	if opts.CommandLog != nil {
		if err != nil {
			opts.CommandLog.Failure(cmdline, err)
		} else {
			opts.CommandLog.Success(cmdline)
		}
	}
	return err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "aggiestack",
		Short:         "Resource allocation for the AggieStack datacenter",
		SilenceErrors: true,
	}

	root.AddCommand(
		a.configCommand(),
		a.showCommand(),
		a.serverCommand(),
		a.canHostCommand(),
		a.evacuateCommand(),
		a.removeCommand(),
		a.addCommand(),
	)
	return root
}

// query runs fn against a freshly opened backend.
func (a *app) query(cmd *cobra.Command, fn func(reg *services.Registry) error) error {
	cmd.SilenceUsage = true

	b, err := openBackend(cmd.Context(), a.opts.Config, a.logger)
	if err != nil {
		return err
	}
	defer b.close()

	return fn(b.registry)
}

// mutate runs fn and persists the memory store when fn succeeds.
func (a *app) mutate(cmd *cobra.Command, fn func(reg *services.Registry) error) error {
	cmd.SilenceUsage = true

	b, err := openBackend(cmd.Context(), a.opts.Config, a.logger)
	if err != nil {
		return err
	}
	defer b.close()

	if err := fn(b.registry); err != nil {
		return err
	}
	return b.save()
}
