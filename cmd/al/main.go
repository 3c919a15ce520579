package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"auditline/internal/app"
	"auditline/internal/config"
	"auditline/internal/db"
	"auditline/internal/domain"
	"auditline/internal/engine"
	"auditline/internal/events"
	"auditline/internal/migrate"
	"auditline/internal/repo"
	"auditline/internal/server"
	auditlinesdk "auditline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Auditline CLI",
	Long: `Auditline tracks remediation roadmaps and tells people when they move.
- Roadmap: ordered phases of actions owned by one user inside an organization.
- Phase: a group of actions; it completes when every action does, and the next phase gets an estimate.
- Deliveries: each phase completion becomes a notification sent over email, chat, webhook and in-app, retried with backoff.
- Connections: live WebSocket subscribers to user:<id> and org:<id> channels.
- Event log: every change is recorded, view with 'al log tail'.`,
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
		fmt.Println(color.New(color.FgRed).Sprint("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUDITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API server for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	rootCmd.PersistentFlags().String("api-key", "", "API key for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(roadmapCmd())
	rootCmd.AddCommand(prefsCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, WebSocket push and delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			lock, err := db.Lock(workspace)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if v := viper.GetString("addr"); v != "" {
				cfg.Server.Addr = v
			}
			if v := viper.GetString("base-path"); v != "" {
				cfg.Server.BasePath = v
			}
			if v := viper.GetString("jwt-secret"); v != "" {
				cfg.Server.JWTSecret = v
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("AUDITLINE_JWT_SECRET is required for bearer auth")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg})
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				a.Run(ctx)
			}()

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Msg("serving auditline API")
			fmt.Printf("Serving Auditline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-done
				return err
			}
			<-done
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	cmd.Flags().String("base-path", "", "API base path (overrides config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			before, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			after, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"from": before, "to": after, "latest": latest})
			}
			fmt.Printf("schema version %d -> %d (latest %d)\n", before, after, latest)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in auditline.yml next to the .auditline directory. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default auditline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if cfg.Channels.Email.Password != "" {
				cfg.Channels.Email.Password = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate auditline.yml",
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
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("AUDITLINE_JWT_SECRET is required to sign tokens")
			}
			tok, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok, "subject": subject})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "owner id the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(apiKeyListCmd())
	c.AddCommand(apiKeyRevokeCmd())
	return c
}

func apiKeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, raw, err := r.CreateAPIKey(ctx, owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "raw": raw})
				}
				fmt.Printf("%s %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
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

func orgCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "org",
		Short: "Manage organization membership",
		Long:  "Membership decides who may read an organization's roadmaps and events and subscribe to org:<id>.",
	}
	c.AddCommand(orgAddMemberCmd())
	c.AddCommand(orgRemoveMemberCmd())
	c.AddCommand(orgListCmd())
	return c
}

func orgAddMemberCmd() *cobra.Command {
	var org, owner, role string
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Add an owner to an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" || owner == "" {
				return fmt.Errorf("--org and --owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.AddOrgMember(ctx, tx, org, owner, role); err != nil {
					return err
				}
				if err := (events.Writer{DB: r.DB}).Append(ctx, tx, events.Entry{
					Type:       events.OrgMemberAdded,
					OrgID:      org,
					EntityKind: "org",
					EntityID:   org,
					ActorID:    viper.GetString("actor-id"),
					Payload:    events.EventPayload{"owner_id": owner, "role": role},
				}); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&role, "role", "member", "role label")
	return cmd
}

func orgRemoveMemberCmd() *cobra.Command {
	var org, owner string
	cmd := &cobra.Command{
		Use:   "remove-member",
		Short: "Remove an owner from an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" || owner == "" {
				return fmt.Errorf("--org and --owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.RemoveOrgMember(ctx, tx, org, owner); err != nil {
					return err
				}
				if err := (events.Writer{DB: r.DB}).Append(ctx, tx, events.Entry{
					Type:       events.OrgMemberRemoved,
					OrgID:      org,
					EntityKind: "org",
					EntityID:   org,
					ActorID:    viper.GetString("actor-id"),
					Payload:    events.EventPayload{"owner_id": owner},
				}); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	return cmd
}

func orgListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the organizations an owner belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orgs, err := r.OrgsForOwner(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orgs)
				}
				for _, o := range orgs {
					fmt.Println(o)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	return cmd
}

func roadmapCmd() *cobra.Command {
	c := &cobra.Command{Use: "roadmap", Short: "Manage roadmaps"}
	c.AddCommand(roadmapCreateCmd())
	c.AddCommand(roadmapListCmd())
	c.AddCommand(roadmapShowCmd())
	c.AddCommand(roadmapCompleteCmd())
	return c
}

// roadmapFile is the YAML accepted by roadmap create.
type roadmapFile struct {
	ID      string `yaml:"id"`
	OwnerID string `yaml:"owner_id"`
	OrgID   string `yaml:"org_id"`
	Title   string `yaml:"title"`
	Phases  []struct {
		Name    string `yaml:"name"`
		Actions []struct {
			ID    string `yaml:"id"`
			Title string `yaml:"title"`
		} `yaml:"actions"`
	} `yaml:"phases"`
}

func (f roadmapFile) options() engine.RoadmapCreateOptions {
	opts := engine.RoadmapCreateOptions{ID: f.ID, OwnerID: f.OwnerID, OrgID: f.OrgID, Title: f.Title}
	for _, p := range f.Phases {
		in := engine.PhaseInput{Name: p.Name}
		for _, a := range p.Actions {
			in.Actions = append(in.Actions, engine.ActionInput{ID: a.ID, Title: a.Title})
		}
		opts.Phases = append(opts.Phases, in)
	}
	return opts
}

func roadmapCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a roadmap from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var f roadmapFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("invalid roadmap yaml: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rm, err := e.CreateRoadmap(engine.WithActor(ctx, viper.GetString("actor-id")), f.options())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rm)
				}
				printRoadmap(rm)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "path to roadmap YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func roadmapListCmd() *cobra.Command {
	var owner, org string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roadmaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRoadmaps(ctx, owner, org)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Owner", "Org", "Progress", "Updated"})
				for _, rm := range items {
					tw.AppendRow(table.Row{rm.ID, rm.Title, rm.OwnerID, rm.OrgID, fmt.Sprintf("%d%%", rm.OverallProgress), rm.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	cmd.Flags().StringVar(&org, "org", "", "filter by organization id")
	return cmd
}

func roadmapShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a roadmap with its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rm, err := e.GetRoadmap(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rm)
				}
				printRoadmap(rm)
				return nil
			})
		},
	}
	return cmd
}

func roadmapCompleteCmd() *cobra.Command {
	var phase int
	var action string
	cmd := &cobra.Command{
		Use:   "complete <roadmap-id>",
		Short: "Complete an action through the running server",
		Long:  "Completion goes through the API so the running server dispatches notifications and pushes roadmap updates to subscribers.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if action == "" {
				return fmt.Errorf("--action required")
			}
			c, err := remoteClient()
			if err != nil {
				return err
			}
			rm, err := c.CompleteAction(cmd.Context(), args[0], phase, action)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rm)
			}
			fmt.Printf("%s: %d%% complete\n", rm.Title, rm.OverallProgress)
			for _, p := range rm.Phases {
				fmt.Printf("  %d. %s [%s]\n", p.Index+1, p.Name, phaseStateColor(p.State))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase index")
	cmd.Flags().StringVar(&action, "action", "", "action id")
	return cmd
}

func prefsCmd() *cobra.Command {
	c := &cobra.Command{Use: "prefs", Short: "Manage delivery preferences"}
	c.AddCommand(prefsShowCmd())
	c.AddCommand(prefsSetCmd())
	return c
}

func prefsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <owner-id>",
		Short: "Show an owner's delivery preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.FindPreferences(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func prefsSetCmd() *cobra.Command {
	var p domain.Preferences
	cmd := &cobra.Command{
		Use:   "set <owner-id>",
		Short: "Replace an owner's delivery preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.OwnerID = args[0]
			if p.EmailEnabled && p.EmailAddress == "" {
				return fmt.Errorf("--email-address required with --email")
			}
			if p.ChatEnabled && p.ChatTargetURL == "" {
				return fmt.Errorf("--chat-url required with --chat")
			}
			if p.WebhookEnabled && p.WebhookURL == "" {
				return fmt.Errorf("--webhook-url required with --webhook")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertPreferences(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&p.EmailEnabled, "email", false, "enable email delivery")
	cmd.Flags().BoolVar(&p.ChatEnabled, "chat", false, "enable chat delivery")
	cmd.Flags().BoolVar(&p.WebhookEnabled, "webhook", false, "enable webhook delivery")
	cmd.Flags().StringVar(&p.EmailAddress, "email-address", "", "email address")
	cmd.Flags().StringVar(&p.ChatTargetURL, "chat-url", "", "chat incoming-webhook URL")
	cmd.Flags().StringVar(&p.WebhookURL, "webhook-url", "", "webhook URL")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	var f repo.AttemptFilters
	var channel, status string
	var counts bool
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Channel = domain.Channel(channel)
			f.Status = domain.DeliveryStatus(status)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if counts {
					byStatus, err := r.CountAttemptsByStatus(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(byStatus)
					}
					for s, n := range byStatus {
						fmt.Printf("  %s: %d\n", deliveryStatusColor(s), n)
					}
					return nil
				}
				items, err := r.ListAttempts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Intent", "Recipient", "Channel", "Attempt", "Status", "Scheduled", "Error"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.IntentID, a.Recipient, a.Channel, a.AttemptNumber, deliveryStatusColor(a.Status), a.ScheduledAt.Format(time.RFC3339), a.ErrorDetail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.IntentID, "intent", "", "filter by intent id")
	cmd.Flags().StringVar(&f.Recipient, "recipient", "", "filter by recipient")
	cmd.Flags().StringVar(&channel, "channel", "", "email, chat, webhook or in_app")
	cmd.Flags().StringVar(&status, "status", "", "pending, sent, failed or exhausted")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of attempts")
	cmd.Flags().BoolVar(&counts, "counts", false, "show totals per status instead")
	return cmd
}

func connectionsCmd() *cobra.Command {
	var owner string
	var all bool
	var n int
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List recorded WebSocket connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := repo.ConnectionRecords{DB: r.DB}.List(ctx, owner, !all, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Active", "Opened", "Closed", "Reason"})
				for _, c := range recs {
					closed := ""
					if c.ClosedAt != nil {
						closed = c.ClosedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{c.ID, c.OwnerID, c.Active, c.OpenedAt.Format(time.RFC3339), closed, c.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	cmd.Flags().BoolVar(&all, "all", false, "include closed connections")
	cmd.Flags().IntVar(&n, "n", 50, "number of records")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.OrgID, "org", "", "organization filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
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
	return fn(ctx, engine.New(conn, cfg))
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func remoteClient() (*auditlinesdk.Client, error) {
	c := auditlinesdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	if c.BearerToken == "" && c.APIKey == "" {
		return nil, fmt.Errorf("--token or --api-key required (or AUDITLINE_TOKEN / AUDITLINE_API_KEY)")
	}
	return c, nil
}

func printRoadmap(rm domain.Roadmap) {
	fmt.Printf("%s  %s\n", rm.ID, rm.Title)
	fmt.Printf("owner %s, org %s, %d%% complete\n", rm.OwnerID, rm.OrgID, rm.OverallProgress)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Phase", "State", "Done", "Estimate", "Completed"})
	for _, p := range rm.Phases {
		done := 0
		for _, a := range p.Actions {
			if a.Completed {
				done++
			}
		}
		tw.AppendRow(table.Row{
			p.SequenceIndex + 1,
			p.Name,
			phaseStateColor(string(p.State())),
			fmt.Sprintf("%d/%d", done, len(p.Actions)),
			formatTimePtr(p.EstimatedCompletionAt),
			formatTimePtr(p.CompletedAt),
		})
	}
	tw.Render()
}

func phaseStateColor(state string) string {
	switch domain.PhaseState(state) {
	case domain.PhaseCompleted:
		return color.New(color.FgGreen).Sprint(state)
	case domain.PhaseInProgress:
		return color.New(color.FgYellow).Sprint(state)
	default:
		return state
	}
}

func deliveryStatusColor(s domain.DeliveryStatus) string {
	switch s {
	case domain.DeliverySent:
		return color.New(color.FgGreen).Sprint(s)
	case domain.DeliveryFailed:
		return color.New(color.FgYellow).Sprint(s)
	case domain.DeliveryExhausted:
		return color.New(color.FgRed, color.Bold).Sprint(s)
	default:
		return string(s)
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
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
