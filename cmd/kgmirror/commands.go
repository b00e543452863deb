package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kgmirror/internal/core"
	"kgmirror/internal/importer"
)

type commandOutput struct {
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms"`
	Result     any    `json:"result"`
	Error      string `json:"error,omitempty"`
}

// dumpRef selects a dump either by id or by registering its object key.
type dumpRef struct {
	id  string
	key string
}

func (r *dumpRef) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.id, "dump-id", "", "registered dump id")
	cmd.Flags().StringVar(&r.key, "key", "", "dump object key; registers the dump when --dump-id is empty")
}

func (r dumpRef) resolve(ctx context.Context, svc *core.Service) (string, error) {
	if r.id != "" {
		return r.id, nil
	}
	if r.key == "" {
		return "", errors.New("one of --dump-id or --key is required")
	}
	d, err := svc.RegisterDump(ctx, r.key)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// serviceRunE wraps fn so its result is printed as JSON. A stage that ran to
// the end with failed batches still prints its counts before the error.
func (a *app) serviceRunE(name string, fn func(context.Context, *core.Service) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return a.withService(cmd.Context(), func(svc *core.Service) error {
			start := time.Now()
			res, err := fn(cmd.Context(), svc)
			out := commandOutput{Command: name, DurationMS: time.Since(start).Milliseconds(), Result: res}
			if err == nil {
				return writeJSON(a.out, out)
			}
			if errors.Is(err, importer.ErrBatchesFailed) && res != nil {
				out.Error = err.Error()
				if werr := writeJSON(a.out, out); werr != nil {
					return errors.Join(err, werr)
				}
			}
			return err
		})
	}
}

func (a *app) newRegisterCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a dump object and print its id",
		RunE: a.serviceRunE("register", func(ctx context.Context, svc *core.Service) (any, error) {
			return svc.RegisterDump(ctx, key)
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "dump object key (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) newExtractCmd() *cobra.Command {
	var ref dumpRef
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Decompress a registered dump",
		RunE: a.serviceRunE("extract", func(ctx context.Context, svc *core.Service) (any, error) {
			id, err := ref.resolve(ctx, svc)
			if err != nil {
				return nil, err
			}
			return svc.Extract(ctx, id)
		}),
	}
	ref.bind(cmd)
	return cmd
}

func (a *app) newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import stage",
	}
	stages := []struct {
		stage importer.Stage
		short string
		run   func(*core.Service) func(context.Context, string) (importer.Report, error)
	}{
		{importer.StageHierarchy, "Start an import run and load subclass edges", func(s *core.Service) func(context.Context, string) (importer.Report, error) {
			return s.ImportHierarchy
		}},
		{importer.StageEntities, "Load positions, locations and countries", func(s *core.Service) func(context.Context, string) (importer.Report, error) {
			return s.ImportEntities
		}},
		{importer.StagePoliticians, "Load politicians and complete the import run", func(s *core.Service) func(context.Context, string) (importer.Report, error) {
			return s.ImportPoliticians
		}},
	}
	for _, st := range stages {
		var ref dumpRef
		sub := &cobra.Command{
			Use:   string(st.stage),
			Short: st.short,
			RunE: a.serviceRunE(fmt.Sprintf("import %s", st.stage), func(ctx context.Context, svc *core.Service) (any, error) {
				id, err := ref.resolve(ctx, svc)
				if err != nil {
					return nil, err
				}
				return st.run(svc)(ctx, id)
			}),
		}
		ref.bind(sub)
		cmd.AddCommand(sub)
	}
	return cmd
}

func (a *app) newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Soft-delete rows absent from the latest completed import",
		RunE: a.serviceRunE("gc", func(ctx context.Context, svc *core.Service) (any, error) {
			return svc.CollectGarbage(ctx)
		}),
	}
}

func (a *app) newEnforceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enforce",
		Short: "Drop rows that fall outside the current class hierarchy",
		RunE: a.serviceRunE("enforce", func(ctx context.Context, svc *core.Service) (any, error) {
			return svc.EnforceHierarchy(ctx)
		}),
	}
}

func (a *app) newRunCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register, extract and import a dump, then collect garbage and enforce the hierarchy",
		RunE: a.serviceRunE("run", func(ctx context.Context, svc *core.Service) (any, error) {
			return svc.RunAll(ctx, key)
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "dump object key (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
