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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"funil/internal/app"
	"funil/internal/config"
	"funil/internal/db"
	"funil/internal/domain"
	"funil/internal/engine"
	"funil/internal/migrate"
	"funil/internal/repo"
	"funil/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "funil",
	Short: "Funil CLI",
	Long: `Funil is a Kanban pipeline for real-estate back offices.
Core concepts:
- Workspace: your .funil directory with the database and funil.yml.
- Boards: the lead funnel and the task board, each a fixed column layout from config.
- Cards: leads or tasks; they enter the first column and move one stage at a time.
- Transitions: every stage change is validated and recorded in the history ledger.
- Lost reasons: moving a lead to the gated lost column requires picking a reason.
- History: the per-card diary of stage changes, view with 'funil card history'.`,
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
	viper.SetEnvPrefix("FUNIL")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(reasonsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with the default board catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Initialized workspace, config at %s\n", cfgPath)
				return nil
			})
		},
	}
	return cmd
}

func boardCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "board",
		Short: "Inspect boards",
		Long:  "Boards come from funil.yml. 'board show' renders the full projection: every stage as a column, in configured order, with its cards sorted by position.",
	}
	b.AddCommand(boardListCmd())
	b.AddCommand(boardShowCmd())
	return b
}

func boardListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				boards, err := e.Repo.ListBoards(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(boards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Kind"})
				for _, b := range boards {
					tw.AppendRow(table.Row{b.ID, b.Name, b.Kind})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func boardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <board>",
		Short: "Show board projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				columns, err := e.BoardView(ctx, boardID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(columns)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "#", "ID", "Title", "Assignee"})
				for _, col := range columns {
					label := fmt.Sprintf("%s (%d)", col.Stage.Name, len(col.Cards))
					if len(col.Cards) == 0 {
						tw.AppendRow(table.Row{label, "", "", "", ""})
						continue
					}
					for i, c := range col.Cards {
						assignee := ""
						if c.AssigneeID != nil {
							assignee = *c.AssigneeID
						}
						tw.AppendRow(table.Row{label, i, c.ID, c.Title, assignee})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cardCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "card",
		Short: "Manage cards",
		Long:  "Cards are leads or tasks. They are created in the board's first column; 'card move' is the only way to change a card's stage and every move is recorded in the history ledger.",
	}
	c.AddCommand(cardAddCmd())
	c.AddCommand(cardListCmd())
	c.AddCommand(cardGetCmd())
	c.AddCommand(cardUpdateCmd())
	c.AddCommand(cardMoveCmd())
	c.AddCommand(cardReorderCmd())
	c.AddCommand(cardHistoryCmd())
	return c
}

func cardAddCmd() *cobra.Command {
	var opts engine.CardCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a card in the board's first column",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "card id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.BoardID, "board", "funnel", "board id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ContactName, "contact-name", "", "contact name")
	cmd.Flags().StringVar(&opts.ContactPhone, "contact-phone", "", "contact phone")
	cmd.Flags().StringVar(&opts.ContactEmail, "contact-email", "", "contact email")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	var f repo.CardFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Repo.ListCards(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Board", "Stage", "Title", "Assignee"})
				for _, c := range cards {
					assignee := ""
					if c.AssigneeID != nil {
						assignee = *c.AssigneeID
					}
					tw.AppendRow(table.Row{c.ID, c.BoardID, c.StageID, c.Title, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BoardID, "board", "", "board filter")
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func cardGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCard(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cardUpdateCmd() *cobra.Command {
	var title, contactName, contactPhone, contactEmail, description, assign string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit card fields (stage changes only via 'card move')",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CardUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("contact-name") {
				opts.ContactName = &contactName
			}
			if cmd.Flags().Changed("contact-phone") {
				opts.ContactPhone = &contactPhone
			}
			if cmd.Flags().Changed("contact-email") {
				opts.ContactEmail = &contactEmail
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("assign") {
				opts.Assign = optionalString(assign)
				opts.AssignProvided = true
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&contactName, "contact-name", "", "contact name")
	cmd.Flags().StringVar(&contactPhone, "contact-phone", "", "contact phone")
	cmd.Flags().StringVar(&contactEmail, "contact-email", "", "contact email")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	return cmd
}

func cardMoveCmd() *cobra.Command {
	var toStage, reason, notes string
	var toIndex int
	var reopen bool
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move card to another stage",
		Long:  "Moves a card through the validated transition path. Gated lost stages need --reason; leaving a won/lost column needs --reopen. Use --index to drop the card at a specific row of the target column.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				CardID:        args[0],
				TargetStageID: toStage,
				ActorID:       viper.GetString("actor-id"),
				LostReasonID:  reason,
				Notes:         notes,
				Reopen:        reopen,
			}
			if cmd.Flags().Changed("index") {
				opts.ToIndex = &toIndex
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Transition(ctx, opts)
				if errors.Is(err, engine.ErrLostReasonRequired) {
					return fmt.Errorf("stage %s requires a lost reason; pass --reason (see 'funil reasons')", toStage)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage id")
	cmd.Flags().StringVar(&reason, "reason", "", "lost reason id (for gated lost stages)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note for the history entry")
	cmd.Flags().IntVar(&toIndex, "index", 0, "drop index in the target column")
	cmd.Flags().BoolVar(&reopen, "reopen", false, "allow leaving a won/lost column")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cardReorderCmd() *cobra.Command {
	var boardID, stageID string
	var fromIndex, toIndex int
	cmd := &cobra.Command{
		Use:   "reorder <id>",
		Short: "Reorder a card within its column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Reorder(ctx, engine.ReorderOptions{
					BoardID:   boardID,
					StageID:   stageID,
					CardID:    args[0],
					FromIndex: fromIndex,
					ToIndex:   toIndex,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cards)
			})
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "funnel", "board id")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&fromIndex, "from", 0, "current index")
	cmd.Flags().IntVar(&toIndex, "to", 0, "target index")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func cardHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a card's stage-change ledger, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Notes"})
				for _, h := range entries {
					from := ""
					if h.FromStage != nil {
						from = *h.FromStage
					}
					tw.AppendRow(table.Row{h.TS, from, h.ToStage, h.ActorID, h.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reasonsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reasons",
		Short: "List the lost-reason catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLostReasons(ctx, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Active"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Label, r.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive reasons")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "funil.yml holds the board catalog (columns, gating flags) and the lost-reason catalog. It is seeded into the database on every command run.",
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
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
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

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				now := time.Now().UTC().Format(time.RFC3339)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActorTx(ctx, tx, key.ActorID, now); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "secret": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key created (id=%s). Secret, shown only once:\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if err := app.SyncCatalog(cmd.Context(), r, cfg); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FUNIL_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FUNIL_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Funil API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	if err := app.SyncCatalog(ctx, r, cfg); err != nil {
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
