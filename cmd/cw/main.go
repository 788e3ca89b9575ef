package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crowdwork/internal/app"
	"crowdwork/internal/config"
	"crowdwork/internal/db"
	"crowdwork/internal/domain"
	"crowdwork/internal/logging"
	"crowdwork/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Crowdwork routing and settlement CLI",
	Long: `Crowdwork routes micro-tasks to workers and settles the money.
- Projects are batches of tasks a requester posts at a price per task.
- Revisions: re-posting a project creates a new revision; tasks with the
  same content keep their identity (group) across revisions.
- Boomerang: a feedback controller that raises or lowers each project's
  qualification bar from the requester's own ratings of past work.
- Claims: a worker accepts a task, submits work, and the requester
  approves, rejects or returns it; stale claims expire on a sweep.
- Ledger: double-entry accounts; approvals reduce the requester's
  liability, expired or skipped claims refund at the versioned price,
  and approved work pays out in weekly idempotent batches.`,
}

func main() {
	cobra.OnInitialize(initEnv)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initEnv() {
	viper.SetEnvPrefix("CROWDWORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(rateCmd())
	rootCmd.AddCommand(fundCmd())
	rootCmd.AddCommand(boomerangCmd())
	rootCmd.AddCommand(jobsCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a, err := app.New(workspace, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Initialized workspace at %s (db %s)\n", workspace, db.Path(workspace))
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the ops API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Jobs.Start(ctx); err != nil {
					return err
				}
				handler := server.New(server.Config{
					Repo:   a.Repo,
					Cache:  a.Cache,
					Jobs:   a.Jobs,
					Server: a.Config.Server,
				})
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving ops API on http://%s (OpenAPI at /openapi.json)\n", a.Config.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectIngestCmd())
	prj.AddCommand(projectResetCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List project revisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Group", "Name", "Status", "Price", "Min rating", "Amount due"})
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.GroupID, p.Name, p.Status, p.Price.String(), p.MinRating, p.AmountDue.String()})
				}
				t.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var owner, name, price, deadline string
	var repetition, timeoutMinutes int
	var groupID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("invalid price %q: %w", price, err)
				}
				proj := domain.Project{
					GroupID:        groupID,
					OwnerID:        owner,
					Name:           name,
					Status:         domain.ProjectStatusInProgress,
					Price:          p,
					Repetition:     repetition,
					TimeoutMinutes: timeoutMinutes,
					MinRating:      a.Config.Boomerang.Midpoint,
					CreatedAt:      time.Now().UTC().Format(time.RFC3339),
				}
				if deadline != "" {
					proj.Deadline = &deadline
				}
				id, err := a.Repo.InsertProject(ctx, proj)
				if err != nil {
					return err
				}
				fmt.Println("created project", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "requester id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&price, "price", "0.10", "price per task")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().IntVar(&repetition, "repetition", 1, "answers wanted per task")
	cmd.Flags().IntVar(&timeoutMinutes, "timeout-minutes", 0, "claim timeout, 0 for default")
	cmd.Flags().Int64Var(&groupID, "group", 0, "existing group for a new revision, 0 for a new group")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectIngestCmd() *cobra.Command {
	var fileRemoved bool
	cmd := &cobra.Command{
		Use:   "ingest <project-id> [records.json]",
		Short: "Load a revision's task rows from a JSON array of records",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid project id %q", args[0])
				}
				var records []domain.Record
				if !fileRemoved {
					if len(args) < 2 {
						return fmt.Errorf("records file required unless --file-removed")
					}
					raw, err := os.ReadFile(args[1])
					if err != nil {
						return err
					}
					if err := json.Unmarshal(raw, &records); err != nil {
						return fmt.Errorf("parse records: %w", err)
					}
				}
				if err := a.Ingest.CreateTasksForRevision(ctx, projectID, records, fileRemoved); err != nil {
					return err
				}
				fmt.Printf("ingested %d records into project %d\n", len(records), projectID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fileRemoved, "file-removed", false, "revision has no data source; create the placeholder row")
	return cmd
}

func projectResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <project-id>",
		Short: "Reset the project's qualification bar to the midpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid project id %q", args[0])
				}
				return a.Boomerang.ResetProject(ctx, projectID)
			})
		},
	}
}

func claimCmd() *cobra.Command {
	claim := &cobra.Command{Use: "claim", Short: "Drive the assignment lifecycle"}
	claim.AddCommand(&cobra.Command{
		Use:   "accept <task-id> <worker-id>",
		Short: "Claim a task slot for a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				taskID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid task id %q", args[0])
				}
				c, err := a.Lifecycle.Accept(ctx, taskID, args[1])
				if err != nil {
					return err
				}
				fmt.Println("claim", c.ID, "accepted")
				return nil
			})
		},
	})
	for _, tc := range []struct {
		use    string
		short  string
		action func(*app.App, context.Context, int64) error
	}{
		{"submit", "Submit an in-progress claim", func(a *app.App, ctx context.Context, id int64) error { return a.Lifecycle.Submit(ctx, id) }},
		{"reject", "Reject a submitted claim", func(a *app.App, ctx context.Context, id int64) error { return a.Lifecycle.Reject(ctx, id) }},
		{"return", "Return a submitted claim for rework", func(a *app.App, ctx context.Context, id int64) error { return a.Lifecycle.Return(ctx, id) }},
		{"skip", "Skip an in-progress claim", func(a *app.App, ctx context.Context, id int64) error { return a.Lifecycle.Skip(ctx, id) }},
	} {
		tc := tc
		claim.AddCommand(&cobra.Command{
			Use:   tc.use + " <claim-id>",
			Short: tc.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					id, err := strconv.ParseInt(args[0], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid claim id %q", args[0])
					}
					return tc.action(a, ctx, id)
				})
			},
		})
	}
	claim.AddCommand(&cobra.Command{
		Use:   "approve <claim-id>...",
		Short: "Approve submitted claims",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ids := make([]int64, 0, len(args))
				for _, arg := range args {
					id, err := strconv.ParseInt(arg, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid claim id %q", arg)
					}
					ids = append(ids, id)
				}
				return a.Lifecycle.Approve(ctx, ids)
			})
		},
	})
	return claim
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{Use: "worker", Short: "Manage workers"}
	var payoutAddress string
	add := &cobra.Command{
		Use:   "add <worker-id>",
		Short: "Register a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.UpsertWorker(ctx, domain.Worker{
					ID:            args[0],
					PayoutAddress: payoutAddress,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				})
			})
		},
	}
	add.Flags().StringVar(&payoutAddress, "payout-address", "", "payment destination")
	worker.AddCommand(add)
	worker.AddCommand(&cobra.Command{
		Use:   "stats <worker-id>",
		Short: "Show a worker's lifecycle counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Lifecycle.ResyncWorker(ctx, args[0]); err != nil {
					return err
				}
				counts, err := a.Repo.ClaimStatusCounts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(domain.WorkerStats{
					WorkerID:   args[0],
					InProgress: counts[domain.ClaimStatusInProgress],
					Submitted:  counts[domain.ClaimStatusSubmitted],
					Approved:   counts[domain.ClaimStatusApproved],
					Rejected:   counts[domain.ClaimStatusRejected],
					Returned:   counts[domain.ClaimStatusReturned],
				})
			})
		},
	})
	return worker
}

func rateCmd() *cobra.Command {
	var origin, originID string
	var taskID int64
	var weight float64
	cmd := &cobra.Command{
		Use:   "rate <worker-id>",
		Short: "Record a rating for a worker's task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if weight < 1 || weight > a.Config.Boomerang.MaxRating {
					return fmt.Errorf("weight must be in [1, %v]", a.Config.Boomerang.MaxRating)
				}
				_, err := a.Repo.InsertRating(ctx, domain.Rating{
					OriginType: origin,
					OriginID:   originID,
					TargetID:   args[0],
					TaskID:     taskID,
					Weight:     weight,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				})
				return err
			})
		},
	}
	cmd.Flags().StringVar(&origin, "origin", domain.RatingOriginRequester, "origin type (platform|requester)")
	cmd.Flags().StringVar(&originID, "origin-id", "", "rater id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "rated task id")
	cmd.Flags().Float64Var(&weight, "weight", 0, "rating value")
	_ = cmd.MarkFlagRequired("origin-id")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func fundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fund <requester-id> <amount>",
		Short: "Deposit requester funds into escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				amount, err := decimal.NewFromString(args[1])
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", args[1], err)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				requester, err := a.Repo.EnsureAccount(ctx, args[0], domain.AccountTypeRequester, now)
				if err != nil {
					return err
				}
				escrow, err := a.Repo.EscrowAccount(ctx)
				if err != nil {
					return err
				}
				t, err := a.Ledger.PostTransaction(ctx, requester.ID, escrow.ID,
					amount, "deposit:"+uuid.NewString())
				if err != nil {
					return err
				}
				fmt.Println("posted transaction", t.ID, t.Reference)
				return nil
			})
		},
	}
}

func boomerangCmd() *cobra.Command {
	boom := &cobra.Command{Use: "boomerang", Short: "Threshold controller"}
	boom.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one controller heartbeat now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Boomerang.RunHeartbeat(ctx)
			})
		},
	})
	var limit int
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show recent threshold changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListBoomerangLogs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Type", "Group", "Min rating", "Reason", "At"})
				for _, l := range items {
					t.AppendRow(table.Row{l.ID, l.ObjectType, l.ObjectID, l.MinRating, l.Reason, l.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	logs.Flags().IntVar(&limit, "limit", 50, "max rows")
	boom.AddCommand(logs)
	return boom
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Background jobs"}
	j.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run one registered job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Jobs.RunOnce(ctx, args[0])
			})
		},
	})
	j.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, name := range a.Jobs.Names() {
					fmt.Println(name)
				}
				return nil
			})
		},
	})
	return j
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
