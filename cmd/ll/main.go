package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline manages CRM leads and follow-up tasks with tenant isolation.
- Workspace: your .leadline directory holding the database; leadline.yml configures the tenant and timezone.
- Tenant: the hard boundary; nothing crosses it, not even for admins.
- Leads: prospects visible to admins, their owner, or members of their team.
- Applications: enrollment records that tasks attach to; a task inherits the application's tenant.
- Tasks: follow-ups (call, email, review) with a strict-future due time; completion is idempotent.
- Event log: diary of changes, view with 'll log tail'.`,
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
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("role", "admin", "acting role (admin, counselor)")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantInitCmd())
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantShowCmd())
	t.AddCommand(tenantUseCmd())
	return t
}

func tenantInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a tenant and write leadline.yml",
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
			r := repo.Repo{DB: conn}
			if _, cfgErr := os.Stat(config.Path(workspace)); os.IsNotExist(cfgErr) {
				if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			tenantID, _, err := app.ResolveTenantAndConfig(cmd.Context(), workspace, id, viper.GetString("user"), domain.Role(viper.GetString("role")), r)
			if err != nil {
				return err
			}
			t, err := r.GetTenant(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			if name != "" && name != t.Name {
				t.Name = name
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
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

func tenantShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				t, err := e.Repo.GetTenant(ctx, p.TenantID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tenantUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default tenant for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := strings.TrimSpace(args[0])
			if tenantID == "" {
				return fmt.Errorf("tenant id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "LEADLINE_TENANT", tenantID); err != nil {
				return err
			}
			fmt.Printf("Set LEADLINE_TENANT=%s in %s/.env\n", tenantID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in leadline.yml: default tenant, reference timezone for due-today windows, auth options, and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Principal) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		Long:  "Validates the workspace leadline.yml, or an arbitrary file with --file before it is deployed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Principal) error {
					return e.Config.Validate()
				})
			}
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
	cmd.Flags().StringVar(&file, "file", "", "validate this yaml file instead of the workspace config")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant status",
		Long:  "The scoreboard for your tenant: task counts by status and the number of tasks due today.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				counts, err := e.Repo.CountTasksByStatus(ctx, p.TenantID)
				if err != nil {
					return err
				}
				due, err := e.ListDueToday(ctx, p, time.Now(), engine.DueQuery{Limit: 200})
				if err != nil {
					return err
				}
				out := map[string]any{
					"tenant_id":   p.TenantID,
					"task_counts": counts,
					"due_today":   len(due),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Tenant: %s\n", p.TenantID)
				fmt.Printf("Due today: %d\n", len(due))
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
		Long:  "Teams gate lead visibility: a counselor sees a lead when they own it or belong to the lead's team.",
	}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamAddMemberCmd())
	team.AddCommand(teamRemoveMemberCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				if id == "" {
					id = uuid.New().String()
				}
				t := domain.Team{
					ID:        id,
					TenantID:  p.TenantID,
					Name:      name,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertTeam(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "team id (random UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "team name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				items, err := e.Repo.ListTeams(ctx, p.TenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func teamAddMemberCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "add-member <team-id>",
		Short: "Add a user to a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			teamID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				team, err := e.Repo.GetTeam(ctx, teamID)
				if err != nil {
					return err
				}
				if team.TenantID != p.TenantID {
					return fmt.Errorf("team %s belongs to another tenant", teamID)
				}
				return e.Repo.AddTeamMember(ctx, teamID, userID, time.Now().UTC().Format(time.RFC3339))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func teamRemoveMemberCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "remove-member <team-id>",
		Short: "Remove a user from a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			teamID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				team, err := e.Repo.GetTeam(ctx, teamID)
				if err != nil {
					return err
				}
				if team.TenantID != p.TenantID {
					return fmt.Errorf("team %s belongs to another tenant", teamID)
				}
				return e.Repo.RemoveTeamMember(ctx, teamID, userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func leadCmd() *cobra.Command {
	lead := &cobra.Command{
		Use:   "lead",
		Short: "Manage leads",
		Long:  "Leads are prospects. Admins see every lead in the tenant; counselors see leads they own or leads on a team they belong to.",
	}
	lead.AddCommand(leadCreateCmd())
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadGetCmd())
	lead.AddCommand(leadAssignCmd())
	return lead
}

func leadCreateCmd() *cobra.Command {
	var opts engine.LeadCreateOptions
	var team string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TeamID = optionalString(team)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				l, err := e.CreateLead(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "lead name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner user id (defaults to acting user)")
	cmd.Flags().StringVar(&team, "team-id", "", "team id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func leadListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				leads, err := e.ListLeads(ctx, p, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(leads)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Team", "Status"})
				for _, l := range leads {
					team := ""
					if l.TeamID != nil {
						team = *l.TeamID
					}
					tw.AppendRow(table.Row{l.ID, l.Name, l.OwnerID, team, l.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func leadGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				l, err := e.GetLead(ctx, p, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func leadAssignCmd() *cobra.Command {
	var ownerID, team string
	var clearTeam bool
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Reassign lead owner or team",
		Long:  "Omitted fields are left untouched; use --clear-team to remove the team.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			teamID := optionalString(team)
			if clearTeam {
				empty := ""
				teamID = &empty
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				l, err := e.AssignLead(ctx, p, id, ownerID, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "new owner user id")
	cmd.Flags().StringVar(&team, "team-id", "", "new team id")
	cmd.Flags().BoolVar(&clearTeam, "clear-team", false, "remove the lead's team")
	return cmd
}

func applicationCmd() *cobra.Command {
	appCmd := &cobra.Command{
		Use:     "application",
		Aliases: []string{"app"},
		Short:   "Manage applications",
	}
	appCmd.AddCommand(applicationCreateCmd())
	appCmd.AddCommand(applicationListCmd())
	appCmd.AddCommand(applicationShowCmd())
	return appCmd
}

func applicationCreateCmd() *cobra.Command {
	var id, leadID, program, status string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				if id == "" {
					id = uuid.New().String()
				}
				if status == "" {
					status = "submitted"
				}
				a := domain.Application{
					ID:        id,
					TenantID:  p.TenantID,
					LeadID:    optionalString(leadID),
					Program:   program,
					Status:    status,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if leadID != "" {
					lead, err := e.Repo.GetLead(ctx, leadID)
					if err != nil {
						return err
					}
					if lead.TenantID != p.TenantID {
						return fmt.Errorf("lead %s belongs to another tenant", leadID)
					}
				}
				if err := e.Repo.InsertApplication(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "application id (random UUID if omitted)")
	cmd.Flags().StringVar(&leadID, "lead-id", "", "originating lead id")
	cmd.Flags().StringVar(&program, "program", "", "program name")
	cmd.Flags().StringVar(&status, "status", "", "status (defaults to submitted)")
	return cmd
}

func applicationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				items, err := e.Repo.ListApplications(ctx, p.TenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Program", "Status"})
				for _, a := range items {
					lead := ""
					if a.LeadID != nil {
						lead = *a.LeadID
					}
					tw.AppendRow(table.Row{a.ID, lead, a.Program, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func applicationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				a, err := e.Repo.GetApplication(ctx, id)
				if err != nil {
					return err
				}
				if a.TenantID != p.TenantID {
					return repo.ErrNotFound
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage follow-up tasks",
		Long:  "Tasks attach to applications and inherit their tenant. Due times must be strictly in the future; completion is idempotent.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskDueCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var applicationID, taskType, dueAt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				t, err := e.CreateTask(ctx, p, applicationID, taskType, dueAt)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&applicationID, "application-id", "", "application id")
	cmd.Flags().StringVar(&taskType, "type", "call", "task type (call, email, review)")
	cmd.Flags().StringVar(&dueAt, "due-at", "", "due time (RFC 3339)")
	_ = cmd.MarkFlagRequired("application-id")
	_ = cmd.MarkFlagRequired("due-at")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				t, err := e.GetTask(ctx, p, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				t, err := e.CompleteTask(ctx, p, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskDueCmd() *cobra.Command {
	var asOf string
	var limit int
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List open tasks due today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				ref := time.Now()
				if asOf != "" {
					parsed, err := time.Parse(time.RFC3339, asOf)
					if err != nil {
						return fmt.Errorf("invalid --as-of: %w", err)
					}
					ref = parsed
				}
				tasks, err := e.ListDueToday(ctx, p, ref, engine.DueQuery{Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Application", "Due", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.ApplicationID, t.DueAt, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference instant (RFC 3339, defaults to now)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate server requests via the X-Api-Key header. Only the SHA-256 hash is stored; the key is printed once.",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "llk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    p.UserID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": secret})
				}
				fmt.Printf("API key %s created. Store it now; it will not be shown again:\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				items, err := e.Repo.ListAPIKeys(ctx, p.UserID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: lead and task changes, assignments, completions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				events, err := e.Repo.LatestEvents(ctx, n, p.TenantID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), workspace, viper.GetString("tenant"), viper.GetString("user"), domain.Role(viper.GetString("role")), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("LEADLINE_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacyHeader || cfg.Auth.AllowLegacyUserHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LEADLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-user-header", false, "accept X-User-Id/X-Tenant-Id/X-Role without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.Principal) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	role := domain.Role(viper.GetString("role"))
	userID := viper.GetString("user")
	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), userID, role, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	p := domain.Principal{TenantID: tenantID, UserID: userID, Role: role, Source: "cli"}
	return fn(ctx, e, p)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
