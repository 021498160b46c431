package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"queueline/internal/app"
	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/domain"
	"queueline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Queueline CLI",
	Long: `Queueline assigns support tickets to agents.
- Queue: a group of agents with an ordered roster, a default strategy and a capacity.
- Distribution config: per-queue strategy, capacity cap, skill matching, reassignment timeout and a backup queue for overflow.
- Strategies: round-robin, least-load, priority, skills and hybrid.
- Assignment log: append-only record of every assignment, view with 'ql log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUEUELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "admin API address for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	for _, name := range []string{"workspace", "json", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(distributeCmd())
	rootCmd.AddCommand(redistributeCmd())
	rootCmd.AddCommand(reallocateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(skillsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect queueline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default queueline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# database: %s\n%s", db.Path(viper.GetString("workspace")), out)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load agents, queues and tickets from a fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := app.LoadFixture(file)
			if err != nil {
				return err
			}
			return withEnv(func(env *app.Env) error {
				res, err := app.Seed(cmd.Context(), env.Repo, f, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("seeded %d agents, %d queues, %d tickets\n", res.Agents, res.Queues, res.Tickets)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func distributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute <ticket-id>",
		Short: "Assign a ticket to an agent of its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				t, err := env.Engine.Distribute(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTickets([]domain.Ticket{t})
			})
		},
	}
}

func redistributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redistribute <queue-id>",
		Short: "Distribute every queued ticket of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				res := env.Engine.RedistributeQueue(cmd.Context(), args[0])
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("distributed=%d failed=%d skipped=%d\n", res.Distributed, res.Failed, res.Skipped)
				return nil
			})
		},
	}
}

func reallocateCmd() *cobra.Command {
	var agentID, reason string
	cmd := &cobra.Command{
		Use:   "reallocate <ticket-id>",
		Short: "Move a ticket to another agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				reason = "manual reallocation"
			}
			return withEnv(func(env *app.Env) error {
				if err := env.Engine.Reallocate(cmd.Context(), args[0], agentID, reason); err != nil {
					return err
				}
				t, err := env.Repo.GetTicket(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTickets([]domain.Ticket{t})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent id")
	cmd.Flags().StringVar(&reason, "reason", "", "reassignment reason")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reallocate tickets whose agent missed the response timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *app.Env) error {
				res, err := env.Engine.ReallocateExpired(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("expired=%d reallocated=%d failed=%d\n", res.Checked, res.Reallocated, res.Failed)
				return nil
			})
		},
	}
}

func ticketCmd() *cobra.Command {
	tk := &cobra.Command{Use: "ticket", Short: "Inspect tickets"}
	tk.AddCommand(ticketListCmd())
	tk.AddCommand(ticketShowCmd())
	tk.AddCommand(ticketRespondCmd())
	return tk
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				f.Statuses = strings.Split(status, ",")
			}
			return withRepo(func(r repo.Repo) error {
				items, err := r.ListTickets(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printTickets(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.QueueID, "queue", "", "queue filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant filter")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().BoolVar(&f.Unanswered, "unanswered", false, "assigned tickets without a first response")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket and its assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				t, err := r.GetTicket(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("ticket %s: %w", args[0], err)
				}
				history, err := r.ListAssignments(cmd.Context(), repo.AssignmentFilter{TicketID: t.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ticket": t, "assignments": history})
				}
				if err := printTickets([]domain.Ticket{t}); err != nil {
					return err
				}
				return printAssignments(history)
			})
		},
	}
}

func ticketRespondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <ticket-id>",
		Short: "Record the agent's first response, stopping the reassignment timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				ts := time.Now().UTC().Format(time.RFC3339)
				if err := r.MarkFirstResponse(cmd.Context(), args[0], ts); err != nil {
					return fmt.Errorf("ticket %s: %w", args[0], err)
				}
				fmt.Println("first response recorded for", args[0])
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agent presence"}
	ag.AddCommand(&cobra.Command{
		Use:   "status <agent-id> <status>",
		Short: "Set an agent's availability status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[1] {
			case domain.AgentOnline, domain.AgentAvailable, domain.AgentBusy, domain.AgentAway, domain.AgentOffline:
			default:
				return fmt.Errorf("unknown status %s", args[1])
			}
			return withRepo(func(r repo.Repo) error {
				if err := r.SetAgentStatus(cmd.Context(), args[0], args[1]); err != nil {
					return fmt.Errorf("agent %s: %w", args[0], err)
				}
				fmt.Printf("%s is %s\n", args[0], args[1])
				return nil
			})
		},
	})
	return ag
}

func skillsCmd() *cobra.Command {
	sk := &cobra.Command{Use: "skills", Short: "Query agent skills"}
	sk.AddCommand(&cobra.Command{
		Use:   "who <skill>...",
		Short: "List agents holding any of the given active skills",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				items, err := r.ListSkillsByName(cmd.Context(), args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Skill", "Level"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.AgentID, s.Name, s.Level})
				}
				tw.Render()
				return nil
			})
		},
	})
	return sk
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the assignment log"}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logSummaryCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.AssignmentFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				items, err := r.ListAssignments(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printAssignments(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.QueueID, "queue", "", "queue filter")
	cmd.Flags().StringVar(&f.TicketID, "ticket", "", "ticket filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	return cmd
}

func logSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <queue-id>",
		Short: "Assignment counts per agent and strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				rows, err := r.AssignmentSummary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Strategy", "Assignments", "Reassignments", "Last"})
				for _, s := range rows {
					tw.AppendRow(table.Row{s.AgentID, s.Strategy, s.Assignments, s.Reassignments, s.LastAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func withEnv(fn func(*app.Env) error) error {
	env, err := app.Open(viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func withRepo(fn func(repo.Repo) error) error {
	return withEnv(func(env *app.Env) error { return fn(env.Repo) })
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func printTickets(items []domain.Ticket) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Queue", "Agent", "Status", "Priority", "Skills", "Assigned"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, stringOrEmpty(t.QueueID), stringOrEmpty(t.AgentID), t.Status, t.Priority, strings.Join(t.RequiredSkills, ","), stringOrEmpty(t.AssignedAt)})
	}
	tw.Render()
	return nil
}

func printAssignments(items []domain.AssignmentLogEntry) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Ticket", "Queue", "Agent", "Strategy", "Load", "Reason"})
	for _, e := range items {
		reason := e.Reason
		if e.Reassignment && e.ReassignmentReason != "" {
			reason += " (" + e.ReassignmentReason + ")"
		}
		tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.TicketID, e.QueueID, e.AgentID, e.Strategy, e.AgentLoad, reason})
	}
	tw.Render()
	return nil
}

var errNoToken = errors.New("a bearer token is required (--token or QUEUELINE_TOKEN)")
