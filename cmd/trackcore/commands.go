package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trackcore/internal/adapters/tracks"
	"trackcore/internal/core"
	"trackcore/pkg/domain"
)

// repairSummary is one line of repair output.
type repairSummary struct {
	Position    string   `json:"position"`
	Class       int      `json:"class"`
	Modified    int      `json:"modified"`
	Collections []string `json:"collections,omitempty"`
	Violations  int      `json:"violations"`
}

func newRepairCmd(a *app) *cobra.Command {
	var class, parallel int
	var all bool
	cmd := &cobra.Command{
		Use:   "repair [position...]",
		Short: "Heal one-sided links and file unresolved conflicts for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			positions := args
			if all {
				listed, err := a.store.ListPositions(ctx)
				if err != nil {
					return fmt.Errorf("list positions: %w", err)
				}
				positions = listed
			}
			if len(positions) == 0 {
				return errors.New("no position given; pass positions or --all")
			}
			summaries, err := a.repairAll(ctx, positions, class, parallel)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, s := range summaries {
				if s.Position == "" {
					continue
				}
				if encErr := enc.Encode(s); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&class, "class", 0, "object class to repair")
	cmd.Flags().BoolVar(&all, "all", false, "repair every position of the store")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "positions repaired concurrently")
	return cmd
}

// repairAll fans positions out over an errgroup. Each position has its own
// session, so repairs of different positions do not contend.
func (a *app) repairAll(ctx context.Context, positions []string, class, parallel int) ([]repairSummary, error) {
	out := make([]repairSummary, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, position := range positions {
		i, position := i, position
		g.Go(func() error {
			report, err := a.svc.RepairLinksForPosition(gctx, position, class)
			if err != nil {
				return fmt.Errorf("repair %s: %w", position, err)
			}
			s := repairSummary{
				Position:   position,
				Class:      class,
				Modified:   len(report.Result.Modified),
				Violations: len(report.Result.Violations),
			}
			for _, c := range report.Collections {
				s.Collections = append(s.Collections, c.Name)
			}
			out[i] = s
			return nil
		})
	}
	return out, g.Wait()
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <position>",
		Short: "Evaluate the link invariants of a position without editing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.CheckPosition(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			blocking := 0
			for _, v := range res.Violations {
				if v.Severity == domain.SeverityBlock {
					blocking++
				}
				if err := enc.Encode(v); err != nil {
					return err
				}
			}
			if blocking > 0 {
				return fmt.Errorf("position %s has %d blocking violations", args[0], blocking)
			}
			return nil
		},
	}
}

func newLinkCmd(a *app) *cobra.Command {
	var unlink bool
	cmd := &cobra.Command{
		Use:   "link <position> <object-id>...",
		Short: "Link (or unlink) the selected objects frame to frame",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]domain.ObjectRef, 0, len(args)-1)
			for _, id := range args[1:] {
				refs = append(refs, domain.ObjectRef{Position: args[0], ID: domain.ObjectID(id)})
			}
			res, err := a.svc.LinkObjects(cmd.Context(), refs, unlink)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
	cmd.Flags().BoolVar(&unlink, "unlink", false, "remove the links between the selected objects instead")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var class int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "export <position>",
		Short: "Write the tracks of a position as JSON and CSV to the blob store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			blobs, err := a.openBlobs(ctx, a.cfg.BlobStore())
			if err != nil {
				return fmt.Errorf("open blob store: %w", err)
			}
			w := tracks.NewWorker(a.svc, blobs, auditLog{logger: a.logger})
			w.Start()
			defer func() { _ = w.Stop(context.Background()) }()

			record, err := w.EnqueueExport(ctx, tracks.JobInput{Position: args[0], Class: class, RequestedBy: "cli"})
			if err != nil {
				return err
			}
			done, err := waitForJob(ctx, w, record.ID, timeout)
			if err != nil {
				return err
			}
			if done.Status == tracks.JobStatusFailed {
				return fmt.Errorf("export %s failed: %s", done.ID, done.Error)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, info := range done.Artifacts {
				if err := enc.Encode(info); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&class, "class", 0, "object class to export")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the export")
	return cmd
}

func waitForJob(ctx context.Context, w *tracks.Worker, id string, timeout time.Duration) (tracks.JobRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		record, ok := w.GetJob(id)
		if !ok {
			return tracks.JobRecord{}, fmt.Errorf("job %s not found", id)
		}
		if record.Status == tracks.JobStatusSucceeded || record.Status == tracks.JobStatusFailed {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return record, fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newPositionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List the positions held by the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			positions, err := a.store.ListPositions(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range positions {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

// auditLog forwards job audit entries to the process logger.
type auditLog struct {
	logger core.Logger
}

func (l auditLog) Record(_ context.Context, e tracks.AuditEntry) {
	l.logger.Info("job audit", "job", e.JobID, "action", e.Action, "position", e.Position, "status", string(e.Status))
}
