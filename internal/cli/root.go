// Package cli implements docragctl, an operator tool that runs the
// ingestion pipeline and retrieval engine in-process.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docrag/backend/internal/bootstrap"
	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/pkg/config"
	"github.com/docrag/backend/pkg/logger"
)

// Builder provides the pipeline for one command invocation and the
// function that releases it afterwards.
type Builder func(ctx context.Context) (*bootstrap.Components, func() error, error)

// DefaultBuilder loads configuration the same way the server does.
func DefaultBuilder(ctx context.Context) (*bootstrap.Components, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, "stderr"); err != nil {
		return nil, nil, err
	}
	metrics.Init()
	c, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

type app struct {
	build      Builder
	components *bootstrap.Components
	release    func() error
	jsonOutput bool
}

// inlineDispatcher runs ingestion in the calling goroutine. The document
// records a pipeline failure itself, so it is not reported as a queueing
// error.
type inlineDispatcher struct {
	process ingestion.Handler
}

func (d inlineDispatcher) Dispatch(ctx context.Context, job ingestion.Job) error {
	_ = d.process(ctx, job)
	return nil
}

func NewRootCmd(build Builder) *cobra.Command {
	a := &app{build: build}

	root := &cobra.Command{
		Use:           "docragctl",
		Short:         "Ingest documents and query the fragment index",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, release, err := a.build(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize pipeline: %w", err)
			}
			c.Orchestrator.SetDispatcher(inlineDispatcher{process: c.Orchestrator.Process})
			a.components, a.release = c, release
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newIngestCmd(a),
		newQueryCmd(a),
		newDocumentsCmd(a),
		newReprocessCmd(a),
		newDeleteCmd(a),
		newRecoverCmd(a),
		newEvalCmd(a),
		newCacheCmd(a),
	)
	return root
}

// Execute runs docragctl with os.Args.
func Execute(ctx context.Context) error {
	root := NewRootCmd(DefaultBuilder)
	root.SetOut(os.Stdout)
	return root.ExecuteContext(ctx)
}

// runE closes the components after fn, whether or not it failed.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		return errors.Join(err, a.close())
	}
}

func (a *app) close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.components, a.release = nil, nil
	return err
}

func (a *app) printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

var errNoInput = errors.New("give at least one file or --url")
