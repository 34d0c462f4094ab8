package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/metricspush"
	"github.com/smallbiznis/orderpay/internal/migration"
	obscontext "github.com/smallbiznis/orderpay/internal/observability/context"
	webhookdomain "github.com/smallbiznis/orderpay/internal/webhook/domain"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var conn *gorm.DB
			log, stop, err := startApp(cmd.Context(), opts, &conn)
			if err != nil {
				return err
			}
			defer stop()

			if err := migration.Run(conn, log); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

type jobDeps struct {
	webhooks *webhookservice.Service
	authz    authorization.Service
	tuning   *config.TuningHolder
	clock    clock.Clock
	pusher   metricspush.Pusher
}

func (d *jobDeps) targets() []any {
	return []any{&d.webhooks, &d.authz, &d.tuning, &d.clock, &d.pusher}
}

func sweepCmd(opts *rootOptions) *cobra.Command {
	var (
		limit      int
		maxBatches int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry webhook failures that are due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps := &jobDeps{}
			log, stop, err := startApp(cmd.Context(), opts, deps.targets()...)
			if err != nil {
				return err
			}
			defer stop()

			ctx := cliContext(cmd.Context())
			if err := authorizeCLI(ctx, deps.authz, authorization.ActionWebhookFailureRetry); err != nil {
				return err
			}
			if limit <= 0 {
				limit = deps.tuning.Get().WebhookRetry.BatchSize
			}

			job := metricspush.NewJobMetrics("orderpay_webhook_sweep")
			started := deps.clock.Now()
			total, err := sweep(ctx, deps.webhooks, limit, maxBatches)
			job.ObserveSweep(total, deps.clock.Now().Sub(started))
			if err == nil {
				job.MarkSuccess(deps.clock.Now())
			}
			pushJobMetrics(ctx, deps.pusher, job, log)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			log.Info("webhook sweep finished",
				zap.Int("claimed", total.Claimed),
				zap.Int("succeeded", total.Succeeded),
				zap.Int("rescheduled", total.Rescheduled),
				zap.Int("deferred", total.Deferred),
				zap.Int("dead_lettered", total.DeadLettered),
				zap.Int("failed", total.Failed),
			)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "rows per batch (defaults to the tuned batch size)")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 10, "stop after this many batches")
	return cmd
}

// sweep drains due rows batch by batch until a batch comes back short.
func sweep(ctx context.Context, webhooks *webhookservice.Service, limit, maxBatches int) (webhookservice.SweepStats, error) {
	var total webhookservice.SweepStats
	if maxBatches <= 0 {
		maxBatches = 1
	}
	for i := 0; i < maxBatches; i++ {
		stats, err := webhooks.ProcessDue(ctx, limit)
		total.Claimed += stats.Claimed
		total.Succeeded += stats.Succeeded
		total.Rescheduled += stats.Rescheduled
		total.Deferred += stats.Deferred
		total.DeadLettered += stats.DeadLettered
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
		if stats.Claimed < limit {
			break
		}
	}
	return total, nil
}

func purgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete resolved webhook failures past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps := &jobDeps{}
			log, stop, err := startApp(cmd.Context(), opts, deps.targets()...)
			if err != nil {
				return err
			}
			defer stop()

			ctx := cliContext(cmd.Context())
			if err := authorizeCLI(ctx, deps.authz, authorization.ActionWebhookFailurePurge); err != nil {
				return err
			}

			job := metricspush.NewJobMetrics("orderpay_webhook_purge")
			started := deps.clock.Now()
			purged, err := deps.webhooks.PurgeSucceeded(ctx)
			job.ObservePurge(purged, deps.clock.Now().Sub(started))
			if err == nil {
				job.MarkSuccess(deps.clock.Now())
			}
			pushJobMetrics(ctx, deps.pusher, job, log)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			log.Info("webhook failures purged", zap.Int64("purged", purged))
			return nil
		},
	}
}

func replayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <failure-id>",
		Short: "Re-drive one stored webhook failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snowflake.ParseString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid failure id %q", args[0])
			}

			deps := &jobDeps{}
			_, stop, err := startApp(cmd.Context(), opts, deps.targets()...)
			if err != nil {
				return err
			}
			defer stop()

			ctx := cliContext(cmd.Context())
			if err := authorizeCLI(ctx, deps.authz, authorization.ActionWebhookFailureReplay); err != nil {
				return err
			}

			result, replayErr := deps.webhooks.Replay(ctx, id, cliActorID)
			if result.Failure != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			}
			if replayErr != nil {
				return fmt.Errorf("replay %s: %w", id, replayErr)
			}
			return nil
		},
	}
}

func deadLettersCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		status string
	)
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List webhook failures waiting for an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps := &jobDeps{}
			_, stop, err := startApp(cmd.Context(), opts, deps.targets()...)
			if err != nil {
				return err
			}
			defer stop()

			ctx := cliContext(cmd.Context())
			if err := authorizeCLI(ctx, deps.authz, authorization.ActionWebhookFailureView); err != nil {
				return err
			}

			resp, err := deps.webhooks.List(ctx, webhookservice.ListRequest{Status: status, PageSize: limit})
			if err != nil {
				return err
			}
			return writeFailures(cmd, resp.Failures)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")
	cmd.Flags().StringVar(&status, "status", string(webhookdomain.FailureDeadLetter), "failure status to list (dead_letter, failed, retrying)")
	return cmd
}

func writeFailures(cmd *cobra.Command, failures []webhookdomain.Failure) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tPAYMENT\tRETRIES\tUPDATED\tLAST ERROR")
	for _, f := range failures {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			f.ID, f.Status, f.Provider, f.PaymentID, f.RetryCount,
			f.UpdatedAt.UTC().Format(time.RFC3339), oneLine(f.LastError, 80))
	}
	return w.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func cliContext(ctx context.Context) context.Context {
	return obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), cliActorID)
}

func pushJobMetrics(ctx context.Context, pusher metricspush.Pusher, job *metricspush.JobMetrics, log *zap.Logger) {
	if pusher == nil {
		return
	}
	if err := pusher.Push(ctx, job.Job(), job.Registry()); err != nil {
		log.Warn("push job metrics", zap.String("job", job.Job()), zap.Error(err))
	}
}
