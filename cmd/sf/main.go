package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"secflow/internal/access"
	"secflow/internal/app"
	"secflow/internal/config"
	"secflow/internal/db"
	"secflow/internal/domain"
	"secflow/internal/engine"
	"secflow/internal/intent"
	"secflow/internal/metrics"
	"secflow/internal/migrate"
	"secflow/internal/repo"
	"secflow/internal/seed"
	"secflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Secflow CLI",
	Long: `Secflow tracks security service engagements through an eleven stage pipeline.
- Timeline: one client engagement (client id + service id) moving from onboarding to client review.
- Stages: worked in order; a stage past the current one cannot be touched.
- Roles: admin, manager, tester and client each own specific stages.
- Approval gates: manager review and client review need submit then approve or reject.
- Event log: every accepted change, view with 'sf log tail'.`,
	SilenceUsage: true,
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SECFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "actor role (admin, manager, tester, client)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(satisfactionCmd())
	rootCmd.AddCommand(findingCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tickerCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dbCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create secflow.yml with the default stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), projectID, force)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "secflow", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "secflow.yml holds the stage catalog, the news ticker, webhooks and server settings.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate secflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func timelineCmd() *cobra.Command {
	tl := &cobra.Command{
		Use:     "timeline",
		Aliases: []string{"tl"},
		Short:   "Manage engagement timelines",
	}
	tl.AddCommand(timelineCreateCmd())
	tl.AddCommand(timelineListCmd())
	tl.AddCommand(timelineShowCmd())
	tl.AddCommand(timelineImportCmd())
	return tl
}

func timelineCreateCmd() *cobra.Command {
	var opts engine.OnboardOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Onboard a client service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.CreateTimeline(ctx, opts, actor())
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.ClientName, "client-name", "", "client display name")
	cmd.Flags().StringVar(&opts.ServiceID, "service", "", "service id")
	cmd.Flags().StringVar(&opts.ServiceName, "service-name", "", "service type name")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("service-name")
	return cmd
}

func timelineListCmd() *cobra.Command {
	var f repo.TimelineFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List timelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Client", "Service", "Type", "Stage", "Progress", "Satisfaction", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ClientID, t.ServiceID, t.ServiceName, stageLabel(t), fmt.Sprintf("%d%%", t.OverallProgress), t.Satisfaction, humanize.Time(t.LastUpdated)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.ServiceName, "service-name", "", "service type filter")
	return cmd
}

func timelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <client> <service>",
		Short: "Show a timeline with its stages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.Get(ctx, keyArg(args))
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
}

func timelineImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import timelines from a seed document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := seed.LoadFile(ctx, ws.Engine, args[0], ws.Engine.Catalog, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"imported": n})
				}
				fmt.Printf("imported %d timeline(s)\n", n)
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Work a pipeline stage",
		Long:  "Stage commands take <client> <service> <stage-id>. Stages are worked in order and only by their owning role.",
	}
	st.AddCommand(stageStatusCmd())
	st.AddCommand(stageAssignCmd())
	st.AddCommand(stageDueCmd())
	st.AddCommand(stageCommentCmd())
	st.AddCommand(stageAttachCmd())
	st.AddCommand(stageSubmitCmd())
	st.AddCommand(stageApproveCmd())
	st.AddCommand(stageRejectCmd())
	return st
}

// stageOp wires a command whose first three args address a stage.
func stageOp(use, short string, extra int, run func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, rest []string) (domain.Timeline, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(3 + extra),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid stage id %q", args[2])
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := run(ctx, ws.Engine, keyArg(args), stageID, args[3:])
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
}

func stageStatusCmd() *cobra.Command {
	var progress int
	cmd := stageOp("status <client> <service> <stage-id> <status>", "Change a stage status", 1,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, rest []string) (domain.Timeline, error) {
			var p *int
			if progress >= 0 {
				p = &progress
			}
			return e.UpdateStageStatus(ctx, key, stageID, domain.StageStatus(rest[0]), p, actor())
		})
	cmd.Flags().IntVar(&progress, "progress", -1, "partial progress 0-100 for an in-progress stage")
	return cmd
}

func stageAssignCmd() *cobra.Command {
	var role string
	cmd := stageOp("assign <client> <service> <stage-id> <user-id>", "Assign a user to a stage", 1,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, rest []string) (domain.Timeline, error) {
			r := domain.Role(role)
			if r == "" {
				r = e.Catalog[clampStage(stageID, len(e.Catalog))].AssignedToRole
			}
			return e.AssignUser(ctx, key, stageID, rest[0], r, actor())
		})
	cmd.Flags().StringVar(&role, "as", "", "role the assignee acts as (defaults to the stage owner)")
	return cmd
}

func stageDueCmd() *cobra.Command {
	return stageOp("due <client> <service> <stage-id> <YYYY-MM-DD|RFC3339>", "Set a stage due date", 1,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, rest []string) (domain.Timeline, error) {
			due, err := parseDate(rest[0])
			if err != nil {
				return domain.Timeline{}, err
			}
			return e.SetDueDate(ctx, key, stageID, due, actor())
		})
}

func stageCommentCmd() *cobra.Command {
	return stageOp("comment <client> <service> <stage-id> <text>", "Comment on a stage", 1,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, rest []string) (domain.Timeline, error) {
			return e.AddComment(ctx, key, stageID, engine.CommentInput{Content: rest[0]}, actor())
		})
}

func stageAttachCmd() *cobra.Command {
	var in engine.AttachmentInput
	cmd := stageOp("attach <client> <service> <stage-id> <file>", "Record attachment metadata for a local file", 1,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, rest []string) (domain.Timeline, error) {
			info, err := os.Stat(rest[0])
			if err != nil {
				return domain.Timeline{}, err
			}
			att := in
			if att.Name == "" {
				att.Name = filepath.Base(rest[0])
			}
			if att.Type == "" {
				att.Type = strings.TrimPrefix(filepath.Ext(rest[0]), ".")
			}
			att.Size = info.Size()
			return e.UploadAttachment(ctx, key, stageID, att, actor())
		})
	cmd.Flags().StringVar(&in.Name, "name", "", "display name (defaults to the file name)")
	cmd.Flags().StringVar(&in.Type, "type", "", "content type (defaults to the file extension)")
	cmd.Flags().StringVar(&in.URL, "url", "", "where the file is stored")
	return cmd
}

func stageSubmitCmd() *cobra.Command {
	return stageOp("submit <client> <service> <stage-id>", "Submit an approval-gated stage for review", 0,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, _ []string) (domain.Timeline, error) {
			return e.SubmitForReview(ctx, key, stageID, actor())
		})
}

func stageApproveCmd() *cobra.Command {
	return stageOp("approve <client> <service> <stage-id>", "Approve a stage awaiting approval", 0,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, _ []string) (domain.Timeline, error) {
			return e.ApproveStage(ctx, key, stageID, actor())
		})
}

func stageRejectCmd() *cobra.Command {
	var reason string
	cmd := stageOp("reject <client> <service> <stage-id>", "Reject a stage back to in progress", 0,
		func(ctx context.Context, e *engine.Engine, key domain.Key, stageID int, _ []string) (domain.Timeline, error) {
			return e.RejectStage(ctx, key, stageID, reason, actor())
		})
	cmd.Flags().StringVar(&reason, "reason", "", "why the stage is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func stagesCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the stages a role works",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			r := domain.Role(role)
			if r == "" {
				r = actor().Role
			}
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", r)
			}
			defs := access.New(cfg.Catalog()).StagesForRole(r)
			if viper.GetBool("json") {
				return printJSON(defs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Stage", "Owner", "Assigned By", "Approval", "Due Days"})
			for _, d := range defs {
				approval := ""
				if d.RequiresApproval {
					approval = string(d.ReviewedBy)
				}
				tw.AppendRow(table.Row{d.ID, d.Name, d.AssignedToRole, d.AssignedBy, approval, d.DueDays})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "for", "", "role to list (defaults to --role)")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <client> <service>",
		Short: "Mark the engagement report as generated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.GenerateReport(ctx, keyArg(args), actor())
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
}

func satisfactionCmd() *cobra.Command {
	var dissatisfied bool
	var feedback string
	cmd := &cobra.Command{
		Use:   "satisfaction <client> <service>",
		Short: "Record the client's review outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.ClientSatisfaction(ctx, keyArg(args), !dissatisfied, feedback, actor())
				if err != nil {
					return err
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().BoolVar(&dissatisfied, "dissatisfied", false, "record dissatisfaction and reopen client review")
	cmd.Flags().StringVar(&feedback, "feedback", "", "client feedback")
	return cmd
}

func findingCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "finding",
		Short: "Manage test findings",
	}
	f.AddCommand(findingAddCmd())
	f.AddCommand(findingUpdateCmd())
	f.AddCommand(findingListCmd())
	return f
}

func findingAddCmd() *cobra.Command {
	var in engine.FindingInput
	var severity string
	cmd := &cobra.Command{
		Use:   "add <client> <service>",
		Short: "Record a finding during test execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Severity = domain.Severity(severity)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				_, f, err := ws.Engine.AddFinding(ctx, keyArg(args), in, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "finding title")
	cmd.Flags().StringVar(&in.Description, "description", "", "details")
	cmd.Flags().StringVar(&severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&in.Evidence, "evidence", "", "evidence reference")
	cmd.Flags().StringVar(&in.PoC, "poc", "", "proof of concept")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func findingUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <client> <service> <finding-id> <status>",
		Short: "Change a finding status",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.UpdateFindingStatus(ctx, keyArg(args), args[2], domain.FindingStatus(args[3]), actor())
				if err != nil {
					return err
				}
				return printFindings(t.Findings)
			})
		},
	}
}

func findingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <client> <service>",
		Short: "List findings of a timeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.Get(ctx, keyArg(args))
				if err != nil {
					return err
				}
				return printFindings(t.Findings)
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	var f metrics.Filter
	var from, to string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Dashboard metrics across timelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if from != "" {
				if f.From, err = parseDate(from); err != nil {
					return err
				}
			}
			if to != "" {
				if f.To, err = parseDate(to); err != nil {
					return err
				}
				if !strings.Contains(to, "T") {
					f.To = f.To.Add(24*time.Hour - time.Nanosecond)
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.List(ctx, repo.TimelineFilters{})
				if err != nil {
					return err
				}
				return printMetrics(metrics.New(items, f, time.Now().UTC()))
			})
		},
	}
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.ServiceName, "service-name", "", "service type filter")
	cmd.Flags().StringVar(&from, "from", "", "only timelines updated on or after this date")
	cmd.Flags().StringVar(&to, "to", "", "only timelines updated on or before this date")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Flag started stages whose due date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.SweepOverdue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"flagged": n})
				}
				fmt.Printf("flagged %d stage(s) overdue\n", n)
				return nil
			})
		},
	}
}

func openCmd() *cobra.Command {
	var clientID, serviceID, findingID string
	var stageID int
	cmd := &cobra.Command{
		Use:   "open <dashboard|client-detail|service-timeline|stage-detail|finding-detail>",
		Short: "Resolve a portal page for the current role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := intent.Parse(intent.Kind(args[0]), clientID, serviceID, stageID, findingID)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				sess := ws.Engine.NewSession(actor())
				if err := sess.Apply(ctx, in); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sess)
				}
				fmt.Printf("page: %s\n", sess.Page)
				key, ok := sess.Key()
				if !ok {
					if sess.ClientID != "" {
						fmt.Printf("client: %s\n", sess.ClientID)
					}
					return nil
				}
				t, err := ws.Engine.Get(ctx, key)
				if err != nil {
					return err
				}
				if sess.StageID >= 0 {
					st := t.Stages[sess.StageID]
					fmt.Printf("stage %d %s: %s\n", st.ID, st.Name, st.Status)
				}
				if sess.FindingID != "" {
					for _, f := range t.Findings {
						if f.ID == sess.FindingID {
							fmt.Printf("finding %s [%s] %s\n", f.ID, f.Severity, f.Title)
						}
					}
				}
				return printTimeline(t)
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&serviceID, "service", "", "service id")
	cmd.Flags().IntVar(&stageID, "stage", -1, "stage id")
	cmd.Flags().StringVar(&findingID, "finding", "", "finding id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every accepted change appends an event: status changes, assignments, approvals, findings.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Timeline", "Stage", "Actor", "Payload"})
				for _, e := range events {
					when := e.TS
					if ts, err := time.Parse(time.RFC3339, e.TS); err == nil {
						when = humanize.Time(ts)
					}
					stage := ""
					if e.StageID != nil {
						stage = strconv.Itoa(*e.StageID)
					}
					tw.AppendRow(table.Row{e.ID, when, e.Type, e.ClientID + "/" + e.ServiceID, stage, fmt.Sprintf("%s (%s)", e.ActorID, e.ActorRole), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.ServiceID, "service", "", "service filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func tickerCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticker",
		Short: "Manage the portal news ticker",
	}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List ticker items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Ticker)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Message", "Posted"})
			for _, item := range cfg.Ticker {
				tw.AppendRow(table.Row{item.ID, item.Message, humanize.Time(item.CreatedAt)})
			}
			tw.Render()
			return nil
		},
	})
	var id string
	add := &cobra.Command{
		Use:   "add <message>",
		Short: "Publish a ticker item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAdminRole(); err != nil {
				return err
			}
			item := config.NewsItem{ID: id, Message: args[0], CreatedAt: time.Now().UTC()}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			return updateConfig(func(cfg *config.Config) error { return cfg.AddNews(item) })
		},
	}
	add.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	t.AddCommand(add)
	t.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a ticker item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAdminRole(); err != nil {
				return err
			}
			return updateConfig(func(cfg *config.Config) error {
				if !cfg.RemoveNews(args[0]) {
					return fmt.Errorf("ticker item %s not found", args[0])
				}
				return nil
			})
		},
	})
	return t
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	var keyActor, keyRole, name string
	var writeEnv bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAdminRole(); err != nil {
				return err
			}
			role := domain.Role(keyRole)
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", keyRole)
			}
			secret := "sf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: keyActor,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := ws.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if writeEnv {
					if err := setEnvValue(filepath.Join(ws.Dir, ".env"), "SECFLOW_API_KEY", secret); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "role": string(role), "api_key": secret})
				}
				fmt.Printf("api key for %s (%s): %s\n", keyActor, role, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&keyActor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&keyRole, "key-role", "client", "role carried by the key")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().BoolVar(&writeEnv, "write-env", false, "store the key as SECFLOW_API_KEY in the workspace .env")
	_ = create.MarkFlagRequired("actor")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var memory, legacyHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			cfg := ws.Config
			eng := ws.Engine
			var (
				events server.EventLog = ws.Repo
				keys   server.KeyStore = ws.Repo
			)
			if memory {
				mem := repo.NewMemory()
				eng = engine.New(mem, cfg)
				eng.Logger = logger
				events, keys = mem, nil
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeaders,
			}
			if authCfg.JWTSecret == "" && !legacyHeaders {
				return fmt.Errorf("SECFLOW_JWT_SECRET is required for bearer auth (or pass --legacy-headers for local use)")
			}
			handler, err := server.New(server.Config{
				Engine:   eng,
				Events:   events,
				Keys:     keys,
				App:      cfg,
				SaveApp:  func(c *config.Config) error { return c.Save(ws.Dir) },
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			dispatcher := server.NewWebhookDispatcher(events, cfg.Webhooks, logger)
			sweepEvery := time.Duration(cfg.Server.OverdueSweepSeconds) * time.Second

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return dispatcher.Run(ctx) })
			g.Go(func() error { return eng.RunSweeper(ctx, sweepEvery) })

			fmt.Printf("Serving Secflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep timelines in memory only")
	cmd.Flags().BoolVar(&legacyHeaders, "legacy-headers", false, "accept X-Actor-Id/X-Actor-Role without credentials")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "db",
		Short: "Workspace database",
	}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the database path and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				applied, err := migrate.Version(ctx, ws.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				path := db.Path(ws.Dir)
				var size uint64
				if info, err := os.Stat(path); err == nil {
					size = uint64(info.Size())
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": path, "schema_version": applied, "latest": latest, "size_bytes": size})
				}
				fmt.Printf("%s (%s) schema v%d of v%d\n", path, humanize.Bytes(size), applied, latest)
				return nil
			})
		},
	})
	return d
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func updateConfig(mutate func(*config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if err := mutate(cfg); err != nil {
		return err
	}
	return cfg.Save(workspace)
}

func actor() engine.Actor {
	return engine.Actor{ID: viper.GetString("actor-id"), Role: domain.Role(viper.GetString("role"))}
}

func requireAdminRole() error {
	if a := actor(); a.Role != domain.RoleAdmin {
		return fmt.Errorf("role %s may not run this command", a.Role)
	}
	return nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func keyArg(args []string) domain.Key {
	return domain.Key{ClientID: args[0], ServiceID: args[1]}
}

func clampStage(id, n int) int {
	if id < 0 {
		return 0
	}
	if id >= n {
		return n - 1
	}
	return id
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC3339)", raw)
	}
	return t, nil
}

func stageLabel(t domain.Timeline) string {
	if t.CurrentStageID >= len(t.Stages) {
		return "done"
	}
	st := t.Stages[t.CurrentStageID]
	return fmt.Sprintf("%d %s (%s)", st.ID, st.Name, st.Status)
}

func printTimeline(t domain.Timeline) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	title := t.ClientID
	if t.ClientName != "" {
		title = t.ClientName
	}
	fmt.Printf("%s / %s (%s)  v%d  %d%%  satisfaction=%s\n", title, t.ServiceName, t.ServiceID, t.Version, t.OverallProgress, t.Satisfaction)
	for i, st := range t.Stages {
		printStage(t, st, i == len(t.Stages)-1)
	}
	return nil
}

func printStage(t domain.Timeline, st domain.Stage, last bool) {
	connector := "├── "
	childPrefix := "│   "
	if last {
		connector = "└── "
		childPrefix = "    "
	}
	marker := ""
	if st.ID == t.CurrentStageID {
		marker = " <"
	}
	line := fmt.Sprintf("%s%2d %s [%s]", connector, st.ID, st.Name, st.Status)
	if st.Status == domain.StatusInProgress && st.Progress > 0 {
		line += fmt.Sprintf(" %d%%", st.Progress)
	}
	if st.AssignedTo != "" {
		line += " @" + st.AssignedTo
	}
	if st.DueDate != nil && st.Status != domain.StatusCompleted {
		line += " due " + humanize.Time(*st.DueDate)
	}
	fmt.Println(line + marker)
	for _, a := range st.Attachments {
		fmt.Printf("%s  + %s (%s, %s)\n", childPrefix, a.Name, a.Type, humanize.Bytes(uint64(a.Size)))
	}
	if n := len(st.Comments); n > 0 {
		c := st.Comments[n-1]
		fmt.Printf("%s  \" %s: %s (%s)\n", childPrefix, c.Author, c.Content, humanize.Time(c.Timestamp))
	}
}

func printFindings(items []domain.Finding) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Severity", "Status", "Title", "Updated"})
	for _, f := range items {
		tw.AppendRow(table.Row{f.ID, f.Severity, f.Status, f.Title, humanize.Time(f.UpdatedAt)})
	}
	tw.Render()
	return nil
}

func printMetrics(a metrics.Aggregator) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"overall":      a.OverallMetrics(),
			"distribution": a.StageStatusDistribution(),
			"clients":      a.ClientPerformance(),
			"services":     a.ServiceTypeAnalysis(),
			"trends":       a.TimelineTrends(),
			"workload":     a.TeamWorkload(),
			"findings":     a.FindingsBySeverity(),
		})
	}
	o := a.OverallMetrics()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Overall")
	tw.AppendHeader(table.Row{"Total", "Active", "Completed", "Blocked", "Overdue", "Avg Progress"})
	tw.AppendRow(table.Row{o.TotalWorkflows, o.ActiveWorkflows, o.CompletedWorkflows, o.BlockedWorkflows, o.OverdueWorkflows, fmt.Sprintf("%d%%", o.AverageProgress)})
	tw.Render()

	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Clients")
	tw.AppendHeader(table.Row{"Client", "Workflows", "Completed", "Avg Progress", "Satisfaction"})
	for _, c := range a.ClientPerformance() {
		tw.AppendRow(table.Row{c.ClientID, c.TotalWorkflows, c.CompletedWorkflows, fmt.Sprintf("%d%%", c.AverageProgress), c.Satisfaction})
	}
	tw.Render()

	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Services")
	tw.AppendHeader(table.Row{"Service", "Count", "Avg Progress", "Avg Days"})
	for _, s := range a.ServiceTypeAnalysis() {
		tw.AppendRow(table.Row{s.ServiceName, s.Count, fmt.Sprintf("%d%%", s.AverageProgress), s.AverageDurationDays})
	}
	tw.Render()

	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Workload")
	tw.AppendHeader(table.Row{"Role", "Active", "Completed", "Overdue"})
	for _, w := range a.TeamWorkload() {
		tw.AppendRow(table.Row{w.Role, w.Active, w.Completed, w.Overdue})
	}
	tw.Render()

	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Findings")
	tw.AppendHeader(table.Row{"Severity", "Open", "Resolved"})
	for _, f := range a.FindingsBySeverity() {
		tw.AppendRow(table.Row{f.Severity, f.Open, f.Resolved})
	}
	tw.Render()
	return nil
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
