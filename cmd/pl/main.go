package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"perfline/internal/app"
	"perfline/internal/audit"
	"perfline/internal/config"
	"perfline/internal/db"
	"perfline/internal/domain"
	"perfline/internal/engine"
	"perfline/internal/event"
	"perfline/internal/migrate"
	"perfline/internal/repo"
	"perfline/internal/scoring"
	"perfline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Perfline CLI",
	Long: `Perfline runs performance review cycles with calibration and a full audit trail.
Core concepts:
- Workspace: your .perfline directory holding only the database; tenant configs live in the DB.
- Tenant: an isolated organization that owns cycles, reviews, sessions, and audit history.
- Cycle: a review period that moves draft -> scheduled -> self_assessment -> manager_review -> calibration -> finalization -> sharing -> completed.
- Reviews: self reviews are created automatically when self assessment opens; manager, peer, upward, and external reviews are assigned explicitly.
- Calibration: sessions freeze the submitted manager reviews in scope; every rating adjustment needs a written rationale and the original rating is kept.
- Audit log: every state change lands in an append-only log, view with 'pl log tail'.
- History: bitemporal snapshots answer "what did this look like on date X", view with 'pl history asof'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PERFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(calibrationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantConfigCmd())
	return t
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id), newLogger())
			t, err := e.CreateTenant(cmd.Context(), id, name)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func tenantConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}
	cfg.AddCommand(tenantConfigShowCmd())
	cfg.AddCommand(tenantConfigImportCmd())
	return cfg
}

func tenantConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show tenant config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func tenantConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filePath
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			tenantID := cfg.Tenant.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if tenantID == "" {
					tenantID = e.Config.Tenant.ID
				}
				if err := e.Repo.UpsertTenantConfig(ctx, tenantID, string(data)); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: perfline.yml in the workspace)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant status",
		Long:  "See the scoreboard for the tenant: cycles per stage and open calibration sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tenantID := e.Config.Tenant.ID
				cycles, err := e.Repo.ListCycles(ctx, tenantID)
				if err != nil {
					return err
				}
				byStage := map[string]int{}
				for _, c := range cycles {
					byStage[c.Stage]++
				}
				sessions, err := e.Repo.ListSessions(ctx, tenantID, "")
				if err != nil {
					return err
				}
				open := 0
				for _, s := range sessions {
					if s.Status == domain.SessionScheduled || s.Status == domain.SessionInProgress {
						open++
					}
				}
				out := map[string]any{
					"tenant_id":       tenantID,
					"database":        db.Path(viper.GetString("workspace")),
					"cycles":          len(cycles),
					"cycles_by_stage": byStage,
					"open_sessions":   open,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Tenant: %s\n", tenantID)
				fmt.Printf("Database: %s\n", db.Path(viper.GetString("workspace")))
				fmt.Printf("Open calibration sessions: %d\n", open)
				fmt.Println("Cycles:")
				for stage, c := range byStage {
					fmt.Printf("  %s: %d\n", stage, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cycle",
		Short: "Manage review cycles",
		Long:  "Cycles are the review periods. They move forward through fixed stages, each gated on the previous one finishing (launching a draft cycle may skip the optional scheduled stage), and can be cancelled from any stage except completed.",
	}
	c.AddCommand(cycleCreateCmd())
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleGetCmd())
	c.AddCommand(cycleParticipantsCmd())
	c.AddCommand(cycleAdvanceCmd())
	c.AddCommand(cycleCancelCmd())
	c.AddCommand(cycleGraceCmd())
	c.AddCommand(cycleScoresCmd())
	return c
}

func cycleCreateCmd() *cobra.Command {
	var opts engine.CycleCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a review cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				c, err := e.CreateCycle(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "cycle name")
	cmd.Flags().StringVar(&opts.SelfReviewDeadline, "self-deadline", "", "self review deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.ManagerDeadline, "manager-deadline", "", "manager review deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.CalibrationDeadline, "calibration-deadline", "", "calibration deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.SharingDeadline, "sharing-deadline", "", "sharing deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.ParticipantCriteria, "criteria", "", "participant criteria description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("self-deadline")
	_ = cmd.MarkFlagRequired("manager-deadline")
	_ = cmd.MarkFlagRequired("calibration-deadline")
	_ = cmd.MarkFlagRequired("sharing-deadline")
	return cmd
}

func cycleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cycles, err := e.Repo.ListCycles(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cycles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Grace", "Version"})
				for _, c := range cycles {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Stage, c.GraceOverride, c.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cycleGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cycleParticipantsCmd() *cobra.Command {
	p := &cobra.Command{Use: "participants", Short: "Manage cycle participants"}
	p.AddCommand(cycleParticipantsAddCmd())
	p.AddCommand(cycleParticipantsListCmd())
	return p
}

func cycleParticipantsAddCmd() *cobra.Command {
	var employees []string
	cmd := &cobra.Command{
		Use:   "add <cycle-id>",
		Short: "Add participants to a draft cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.AddParticipants(ctx, e.Config.Tenant.ID, cycleID, employees, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringArrayVar(&employees, "employee", []string{}, "employee id (repeatable)")
	_ = cmd.MarkFlagRequired("employee")
	return cmd
}

func cycleParticipantsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <cycle-id>",
		Short: "List cycle participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ids, err := e.Repo.ListParticipants(ctx, cycleID)
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	return cmd
}

func cycleAdvanceCmd() *cobra.Command {
	var toStage string
	cmd := &cobra.Command{
		Use:   "advance <cycle-id>",
		Short: "Advance cycle to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.AdvanceCycle(ctx, e.Config.Tenant.ID, cycleID, toStage, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cycleCancelCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "cancel <cycle-id>",
		Short: "Cancel a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CancelCycle(ctx, e.Config.Tenant.ID, cycleID, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "cancellation note")
	return cmd
}

func cycleGraceCmd() *cobra.Command {
	var enabled bool
	cmd := &cobra.Command{
		Use:   "grace <cycle-id>",
		Short: "Toggle the grace override for stage guards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.SetGraceOverride(ctx, e.Config.Tenant.ID, cycleID, enabled, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "grace override state")
	return cmd
}

func cycleScoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scores <cycle-id>",
		Short: "Fetch composite scores from the scoring service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				scores, err := e.CycleScores(ctx, e.Config.Tenant.ID, cycleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scores)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Employee", "Composite", "Confidence"})
				for _, s := range scores {
					tw.AppendRow(table.Row{s.EmployeeID, s.Composite, s.Confidence})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "review",
		Short: "Manage reviews",
		Long:  "Reviews flow pending -> in_progress -> submitted, then calibrated during calibration and shared -> acknowledged at the end of the cycle. Self reviews are created automatically.",
	}
	r.AddCommand(reviewCreateCmd())
	r.AddCommand(reviewListCmd())
	r.AddCommand(reviewGetCmd())
	r.AddCommand(reviewSubmitCmd())
	r.AddCommand(reviewShareCmd())
	r.AddCommand(reviewAckCmd())
	return r
}

func reviewCreateCmd() *cobra.Command {
	var opts engine.ReviewCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				rv, err := e.CreateReview(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&opts.RevieweeID, "reviewee", "", "reviewee employee id")
	cmd.Flags().StringVar(&opts.ReviewerID, "reviewer", "", "reviewer employee id")
	cmd.Flags().StringVar(&opts.Type, "type", domain.ReviewTypeManager, "review type (manager, peer, upward, external)")
	_ = cmd.MarkFlagRequired("cycle")
	_ = cmd.MarkFlagRequired("reviewee")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var f repo.ReviewFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				reviews, err := e.Repo.ListReviews(ctx, e.Config.Tenant.ID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reviews)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Cycle", "Reviewee", "Reviewer", "Type", "Status", "Rating", "Calibrated"})
				for _, rv := range reviews {
					tw.AppendRow(table.Row{rv.ID, rv.CycleID, rv.RevieweeID, rv.ReviewerID, rv.Type, rv.Status,
						formatRating(rv.Rating), formatRating(rv.CalibratedRating)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CycleID, "cycle", "", "cycle filter")
	cmd.Flags().StringVar(&f.RevieweeID, "reviewee", "", "reviewee filter")
	cmd.Flags().StringVar(&f.ReviewerID, "reviewer", "", "reviewer filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func reviewGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rv, err := e.Repo.GetReview(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	return cmd
}

func reviewSubmitCmd() *cobra.Command {
	var rating int
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a review with a rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rv, err := e.SubmitReview(ctx, e.Config.Tenant.ID, id, rating, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating (1-5)")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func reviewShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <id>",
		Short: "Share a review with the reviewee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rv, err := e.ShareReview(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	return cmd
}

func reviewAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a shared review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rv, err := e.AcknowledgeReview(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	return cmd
}

func calibrationCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "calibration",
		Short: "Manage calibration sessions",
		Long:  "Sessions freeze the submitted manager reviews in scope when started. Every rating adjustment needs a rationale, and a session cannot complete until every review in scope is resolved.",
	}
	c.AddCommand(calibrationScheduleCmd())
	c.AddCommand(calibrationListCmd())
	c.AddCommand(calibrationGetCmd())
	c.AddCommand(calibrationStartCmd())
	c.AddCommand(calibrationAdjustCmd())
	c.AddCommand(calibrationMarkCmd())
	c.AddCommand(calibrationCompleteCmd())
	c.AddCommand(calibrationCancelCmd())
	return c
}

func calibrationScheduleCmd() *cobra.Command {
	var opts engine.SessionScheduleOptions
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a calibration session",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				s, err := e.ScheduleSession(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&opts.FacilitatorID, "facilitator", "", "facilitator id")
	_ = cmd.MarkFlagRequired("cycle")
	return cmd
}

func calibrationListCmd() *cobra.Command {
	var cycleID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List calibration sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sessions, err := e.Repo.ListSessions(ctx, e.Config.Tenant.ID, cycleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Cycle", "Facilitator", "Status", "Scope"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.CycleID, s.FacilitatorID, s.Status, len(s.ScopeReviewIDs)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle filter")
	return cmd
}

func calibrationGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get calibration session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func calibrationStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a session and freeze its scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.StartSession(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func calibrationAdjustCmd() *cobra.Command {
	var reviewID, rationale string
	var rating int
	cmd := &cobra.Command{
		Use:   "adjust <session-id>",
		Short: "Adjust a rating (rationale required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rv, err := e.AdjustRating(ctx, e.Config.Tenant.ID, sessionID, reviewID, rating, rationale, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&reviewID, "review", "", "review id")
	cmd.Flags().IntVar(&rating, "rating", 0, "adjusted rating (1-5)")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why the rating changed")
	_ = cmd.MarkFlagRequired("review")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func calibrationMarkCmd() *cobra.Command {
	var reviewID string
	cmd := &cobra.Command{
		Use:   "mark-reviewed <session-id>",
		Short: "Resolve a review without changing its rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.MarkReviewed(ctx, e.Config.Tenant.ID, sessionID, reviewID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reviewID, "review", "", "review id")
	_ = cmd.MarkFlagRequired("review")
	return cmd
}

func calibrationCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a session (every review in scope must be resolved)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CompleteSession(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func calibrationCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CancelSession(ctx, e.Config.Tenant.ID, id, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	l.AddCommand(logTailCmd())
	l.AddCommand(logTypesCmd())
	return l
}

func logTypesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List registered event types",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := event.Types()
			if viper.GetBool("json") {
				out := make([]map[string]any, 0, len(types))
				for _, t := range types {
					out = append(out, map[string]any{"type": t, "schema_version": event.SchemaVersion(t)})
				}
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Type", "Schema"})
			for _, t := range types {
				tw.AppendRow(table.Row{string(t), event.SchemaVersion(t)})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var aggType, aggID, corrID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				records, err := e.Audit.List(ctx, audit.Query{
					TenantID:      e.Config.Tenant.ID,
					AggregateType: aggType,
					AggregateID:   aggID,
					CorrelationID: corrID,
					EventType:     evtType,
					Limit:         n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Event", "Aggregate", "Actor", "Action"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.ID, rec.OccurredAt, rec.EventType,
						rec.AggregateType + "/" + rec.AggregateID, rec.ActorID, rec.Action})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	cmd.Flags().StringVar(&aggType, "aggregate-type", "", "aggregate type filter")
	cmd.Flags().StringVar(&aggID, "aggregate-id", "", "aggregate id filter")
	cmd.Flags().StringVar(&corrID, "correlation-id", "", "correlation id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "history",
		Short: "Inspect bitemporal history",
		Long:  "Every versioned write snapshots the aggregate. 'asof' answers what the aggregate looked like at a past instant.",
	}
	h.AddCommand(historyListCmd())
	h.AddCommand(historyAsOfCmd())
	return h
}

func historyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <aggregate-type> <aggregate-id>",
		Short: "List all versions of an aggregate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggType, aggID := args[0], args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.History.ListHistory(ctx, e.Config.Tenant.ID, aggType, aggID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func historyAsOfCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "asof <aggregate-type> <aggregate-id>",
		Short: "Reconstruct an aggregate at an instant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggType, aggID := args[0], args[1]
			instant, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.History.ReconstructAsOf(ctx, e.Config.Tenant.ID, aggType, aggID, instant)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant (RFC3339)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					TenantID:  e.Config.Tenant.ID,
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "api_key": raw, "actor_id": key.ActorID}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key created for %s (store it now, it is not shown again):\n%s\n", key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, e.Config.Tenant.ID, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadTenantConfig(cmd.Context(), workspace, repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			log := newLogger()
			e := engine.New(conn, cfg, log)
			wireScoring(e)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PERFLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PERFLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Perfline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id/X-Tenant-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadTenantConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newLogger())
	wireScoring(e)
	return fn(ctx, e)
}

// loadTenantConfig resolves the active tenant's stored config, then lets
// a perfline.yml in the workspace override it.
func loadTenantConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), r)
	if err != nil {
		return nil, err
	}
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if fileCfg.Tenant.ID != "" && fileCfg.Tenant.ID != tenantID {
			return nil, fmt.Errorf("workspace config is for tenant %s, active tenant is %s", fileCfg.Tenant.ID, tenantID)
		}
		fileCfg.Tenant.ID = tenantID
		cfg = fileCfg
	}
	return cfg, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func wireScoring(e *engine.Engine) {
	if e.Config == nil || strings.TrimSpace(e.Config.Scoring.URL) == "" {
		return
	}
	timeout := time.Duration(e.Config.Scoring.TimeoutSeconds) * time.Second
	e.Scoring = scoring.NewHTTPClient(e.Config.Scoring.URL, timeout)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatRating(r *int) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%d", *r)
}
