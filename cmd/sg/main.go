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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/app"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/server"
	"stagegate/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate drives deliverables through a gated workflow.
Core concepts:
- Workspace: your .stagegate directory holding the database; stagegate.yml holds the intake catalog and webhooks.
- Session: one deliverable's journey: prompt_validation -> requirements_intake -> planning -> code_generation -> verification -> handoff.
- Gates: predicate checkpoints between stages; a gate failure reports every reason in one pass.
- Requirements: FR-/UI-/NF- items with acceptance criteria; done needs evidence, descoping needs an approval record.
- Retry policy: the same gate prompts at most twice before the session is closed as exhausted.
- Coverage: the hard release gate; nothing reaches handoff with an unaccounted-for requirement.
- Event log: diary of changes, view with 'sg log tail'.`,
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
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(reqCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "Sessions carry one deliverable through the gated stages. Creation immediately runs prompt validation against the supplied answers.",
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionStatusCmd())
	s.AddCommand(sessionCancelCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var id, objective string
	var level int
	var modules, answers []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and run prompt validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if objective == "" {
				return fmt.Errorf("--objective required")
			}
			answerMap, err := parseKeyVals(answers)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CreateSession(ctx, engine.SessionCreateOptions{
					ID:        id,
					Objective: objective,
					Level:     level,
					Modules:   modules,
					Answers:   answerMap,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printGateOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&objective, "objective", "", "what the deliverable should accomplish")
	cmd.Flags().IntVar(&level, "level", 0, "maturity level 1-4 (config default if omitted)")
	cmd.Flags().StringArrayVar(&modules, "module", nil, "module profile (repeatable: persistence, messaging, auth, observability)")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "intake answer field=value (repeatable)")
	_ = cmd.MarkFlagRequired("objective")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var stageFilter, terminated string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				filters := repo.SessionFilters{Stage: stageFilter, Limit: limit}
				if terminated != "" {
					v := terminated == "true"
					filters.Terminated = &v
				}
				items, err := r.ListSessions(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Objective", "Stage", "Level", "Terminated"})
				for _, s := range items {
					term := ""
					if s.Terminated {
						term = s.TerminationReason
					}
					tw.AppendRow(table.Row{s.ID, truncate(s.Objective, 48), s.CurrentStage, s.MaturityLevel, term})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageFilter, "stage", "", "filter by current stage")
	cmd.Flags().StringVar(&terminated, "terminated", "", "filter by terminated (true/false)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show aggregate session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("session id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Session: %s (%s)\n", st.Session.ID, st.Session.CurrentStage)
				fmt.Printf("Level %d, sub-stages: %s\n", st.Profile.Level, strings.Join(st.Profile.RequiredSubStages, ", "))
				fmt.Printf("Coverage: %.1f%% adjusted (%d implemented, %d descoped of %d)\n",
					st.Coverage.AdjustedPercentage, st.Coverage.Implemented, st.Coverage.Descoped, st.Coverage.Total)
				if len(st.Coverage.Gaps) > 0 {
					fmt.Printf("Gaps: %s\n", strings.Join(st.Coverage.Gaps, ", "))
				}
				for _, rec := range st.Stages {
					waived := ""
					if rec.Waiver != nil {
						waived = " (waived)"
					}
					fmt.Printf("  %s: %s%s\n", rec.StageID, rec.Status, waived)
				}
				for _, rs := range st.Retries {
					suffix := ""
					if rs.Exhausted {
						suffix = " (exhausted)"
					}
					fmt.Printf("Gate %s: %d/%d attempts used%s\n", rs.GateID, rs.AttemptsMade, rs.MaxAttempts, suffix)
				}
				return nil
			})
		},
	}
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session from any state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "cancellation note")
	return cmd
}

func intakeCmd() *cobra.Command {
	intake := &cobra.Command{
		Use:   "intake",
		Short: "Answer the prompt-validation gate",
	}
	intake.AddCommand(intakeAnswerCmd())
	return intake
}

func intakeAnswerCmd() *cobra.Command {
	var answers []string
	var acceptDefaults bool
	cmd := &cobra.Command{
		Use:   "answer <session-id>",
		Short: "Submit intake answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			answerMap, err := parseKeyVals(answers)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SubmitIntake(ctx, args[0], answerMap, acceptDefaults, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printGateOutcome(out)
			})
		},
	}
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "intake answer field=value (repeatable)")
	cmd.Flags().BoolVar(&acceptDefaults, "accept-defaults", false, "accept documented defaults for non-critical missing fields")
	return cmd
}

func reqCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "req",
		Short: "Manage requirements",
		Long:  "Requirements get type-prefixed ids (FR-, UI-, NF-). Done needs evidence; descoping needs an approval record; reopening clears both.",
	}
	req.AddCommand(reqAddCmd())
	req.AddCommand(reqListCmd())
	req.AddCommand(reqShowCmd())
	req.AddCommand(reqMapCmd())
	req.AddCommand(reqEvidenceCmd())
	req.AddCommand(reqDescopeCmd())
	req.AddCommand(reqReopenCmd())
	req.AddCommand(reqCoverageCmd())
	return req
}

func reqAddCmd() *cobra.Command {
	var reqType, priority, description, acceptance string
	cmd := &cobra.Command{
		Use:   "add <session-id>",
		Short: "Register a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if description == "" {
				return fmt.Errorf("--description required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.RegisterRequirement(ctx, engine.RequirementCreateOptions{
					SessionID:          args[0],
					Type:               reqType,
					Priority:           priority,
					Description:        description,
					AcceptanceCriteria: acceptance,
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reqType, "type", "functional", "requirement type (functional, ui_element, non_functional)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (must, should, could)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&acceptance, "acceptance", "", "acceptance criteria")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func reqListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Priority", "Status", "Stage", "Description"})
				for _, req := range items {
					mapped := ""
					if req.MappedStage != nil {
						mapped = *req.MappedStage
					}
					tw.AppendRow(table.Row{req.ReqID, req.Type, req.Priority, req.Status, mapped, truncate(req.Description, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reqShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id> <req-id>",
		Short: "Show a requirement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				req, err := r.GetRequirement(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func reqMapCmd() *cobra.Command {
	var stageID string
	var tasks []string
	cmd := &cobra.Command{
		Use:   "map <session-id> <req-id>",
		Short: "Map a requirement to a sub-stage and tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.MapRequirement(ctx, args[0], args[1], stageID, tasks, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "target sub-stage id")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "planned task id (repeatable)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func reqEvidenceCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "evidence <session-id> <req-id>",
		Short: "Record implementation evidence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if evidence == "" {
				return fmt.Errorf("--evidence required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.RecordEvidence(ctx, args[0], args[1], evidence, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "artifact locator (file path, commit, test report)")
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func reqDescopeCmd() *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   "descope <session-id> <req-id>",
		Short: "Descope a requirement with an approval record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if justification == "" {
				return fmt.Errorf("--justification required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.DescopeRequirement(ctx, args[0], args[1], viper.GetString("actor-id"), justification)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "why the requirement is dropped from the completion target")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func reqReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <session-id> <req-id>",
		Short: "Reopen a done or descoped requirement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.ReopenRequirement(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func reqCoverageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage <session-id>",
		Short: "Coverage report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Coverage(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Implemented", "Descoped", "Raw %", "Adjusted %"})
				tw.AppendRow(table.Row{rep.Total, rep.Implemented, rep.Descoped,
					fmt.Sprintf("%.1f", rep.Percentage), fmt.Sprintf("%.1f", rep.AdjustedPercentage)})
				tw.Render()
				if len(rep.Gaps) > 0 {
					fmt.Printf("Gaps: %s\n", strings.Join(rep.Gaps, ", "))
				}
				return nil
			})
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	approve := &cobra.Command{
		Use:   "approve",
		Short: "Record explicit approvals",
	}
	approve.AddCommand(&cobra.Command{
		Use:   "requirements <session-id>",
		Short: "Approve the requirement set and open planning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApproveRequirements(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	approve.AddCommand(&cobra.Command{
		Use:   "plan <session-id>",
		Short: "Approve the stage/task mapping and open code generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApprovePlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	return approve
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Run and inspect sub-stages",
		Long:  "Sub-stages come from the session's maturity profile. Running one records task outcomes and routes evidence into the registry; all done plus waived blocks opens verification via 'sg stage submit'.",
	}
	st.AddCommand(stageRunCmd())
	st.AddCommand(stageWaiveCmd())
	st.AddCommand(stageListCmd())
	st.AddCommand(stageSubmitCmd())
	return st
}

func stageRunCmd() *cobra.Command {
	var tasksJSON, tasksFile string
	cmd := &cobra.Command{
		Use:   "run <session-id> <stage-id>",
		Short: "Record task outcomes for a sub-stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(tasksJSON)
			if tasksFile != "" {
				fileData, err := os.ReadFile(tasksFile)
				if err != nil {
					return err
				}
				data = fileData
			}
			if len(data) == 0 {
				return fmt.Errorf("--tasks or --tasks-file required")
			}
			var tasks []stage.Task
			if err := json.Unmarshal(data, &tasks); err != nil {
				return fmt.Errorf("invalid tasks JSON: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunStage(ctx, args[0], args[1], tasks, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&tasksJSON, "tasks", "", `task outcomes as JSON, e.g. [{"id":"t1","status":"done","evidence":"pkg/core.go","satisfies":["FR-1"]}]`)
	cmd.Flags().StringVar(&tasksFile, "tasks-file", "", "path to a JSON file with task outcomes")
	return cmd
}

func stageWaiveCmd() *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   "waive <session-id> <stage-id>",
		Short: "Waive a blocked sub-stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if justification == "" {
				return fmt.Errorf("--justification required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.WaiveStage(ctx, args[0], args[1], viper.GetString("actor-id"), justification)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "why the block is acceptable")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List sub-stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStageRecords(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Waived", "Updated"})
				for _, rec := range items {
					waived := ""
					if rec.Waiver != nil {
						waived = rec.Waiver.ActorID
					}
					tw.AppendRow(table.Row{rec.StageID, rec.Status, waived, rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <session-id>",
		Short: "Close code generation and enter verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitForVerification(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	var passed bool
	var metrics []string
	cmd := &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Evaluate quality and coverage gates with recorded results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metricMap, err := parseMetrics(metrics)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Verify(ctx, engine.VerifyOptions{
					SessionID:    args[0],
					ChecksPassed: passed,
					Metrics:      metricMap,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printGateOutcome(out)
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "whether the quality checks passed")
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "quality metric name=value (repeatable, e.g. test_coverage=92.5)")
	return cmd
}

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff <session-id>",
		Short: "Acknowledge delivery and close the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AcknowledgeHandoff(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, sessionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plaintext,
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default stagegate.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitWorkspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Config at %s\n", path)
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGEGATE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func printGateOutcome(out engine.GateOutcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	fmt.Printf("Session %s: %s (gate %s)\n", out.Session.ID, out.Decision, out.Result.GateID)
	for _, reason := range out.Result.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	if out.Prompt != "" {
		fmt.Println(out.Prompt)
	}
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

func parseKeyVals(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field=value pair: %s", pair)
		}
		out[k] = v
	}
	return out, nil
}

func parseMetrics(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid name=value pair: %s", pair)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
