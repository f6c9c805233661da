package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obratrack/internal/access"
	"obratrack/internal/catalog"
	"obratrack/internal/config"
	"obratrack/internal/db"
	"obratrack/internal/domain"
	"obratrack/internal/engine"
	"obratrack/internal/migrate"
	"obratrack/internal/repo"
	"obratrack/internal/server"
	"obratrack/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "obrat",
	Short: "Obratrack CLI",
	Long: `Obratrack follows construction works through their audit stages.
Core concepts:
- Workspace: the .obratrack directory holding the database, blobs, and config.
- Work: one construction project under audit; carries a number, a period, and progress.
- Period: the audit campaign (2022, 2023, 2024) that fixes which stages a work gets.
- Stage: one step of the audit; owned by engineering, finance, or shared.
- Attachments: files uploaded against a work or stage; re-uploads version, never replace.
- Audit trail: the append-only diary of every change, view with 'obrat log tail'.`,
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
	viper.SetEnvPrefix("OBRATRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", access.RoleAdmin, "actor role (admin, readonly, engineering, finance)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func workCmd() *cobra.Command {
	w := &cobra.Command{Use: "work", Short: "Manage works"}
	w.AddCommand(workCreateCmd())
	w.AddCommand(workListCmd())
	w.AddCommand(workShowCmd())
	w.AddCommand(workUpdateCmd())
	w.AddCommand(workRmCmd())
	w.AddCommand(workRestoreCmd())
	w.AddCommand(workPurgeCmd())
	w.AddCommand(workSummaryCmd())
	return w
}

func workCreateCmd() *cobra.Command {
	var opts engine.WorkCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work with its stage set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, stages, err := e.CreateWork(ctx, opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"work": w, "stages": stages})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Number, "number", "", "work number, unique among live works")
	cmd.Flags().StringVar(&opts.Name, "name", "", "work name")
	cmd.Flags().IntVar(&opts.Year, "year", 0, "year")
	cmd.Flags().IntVar(&opts.Month, "month", 0, "month (1-12)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status")
	cmd.Flags().StringVar(&opts.Period, "period", "", "audit period (2022, 2023, 2024)")
	cmd.Flags().StringVar(&opts.WorkType, "work-type", "", "work type (finished, in_progress); required for 2023+")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func workListCmd() *cobra.Command {
	var f repo.WorkFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List works",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				works, err := e.ListWorks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(works)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Name", "Period", "Status", "Progress"})
				for _, w := range works {
					period := ""
					if w.Period != nil {
						period = *w.Period
					}
					tw.AppendRow(table.Row{w.ID, w.Number, w.Name, period, w.Status, fmt.Sprintf("%d%%", w.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Period, "period", "", "period filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Year, "year", 0, "year filter")
	cmd.Flags().BoolVar(&f.Trash, "trash", false, "list soft-deleted works instead")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size")
	return cmd
}

func workShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <work-id>",
		Short: "Show a work and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, stages, err := e.GetWork(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"work": w, "stages": stages})
			})
		},
	}
	return cmd
}

func workUpdateCmd() *cobra.Command {
	var number, name, notes, status string
	var year, month int
	cmd := &cobra.Command{
		Use:   "update <work-id>",
		Short: "Update work fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.WorkUpdateOptions
			if cmd.Flags().Changed("number") {
				opts.Number = &number
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("year") {
				opts.Year = &year
			}
			if cmd.Flags().Changed("month") {
				opts.Month = &month
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateWork(ctx, args[0], opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "work number")
	cmd.Flags().StringVar(&name, "name", "", "work name")
	cmd.Flags().IntVar(&year, "year", 0, "year")
	cmd.Flags().IntVar(&month, "month", 0, "month")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&status, "status", "", "status")
	return cmd
}

func workRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <work-id>",
		Short: "Soft-delete a work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SoftDeleteWork(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func workRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <work-id>",
		Short: "Restore a soft-deleted work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RestoreWork(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func workPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <work-id>",
		Short: "Permanently delete a soft-deleted work and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.PermanentDeleteWork(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func workSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <work-id>",
		Short: "Progress report for a work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Summary(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{Use: "stage", Short: "Manage stages"}
	s.AddCommand(stageListCmd())
	s.AddCommand(stageShowCmd())
	s.AddCommand(stageUpdateCmd())
	return s
}

func stageListCmd() *cobra.Command {
	var workID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the stages of a work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stages, err := r.ListStagesByWork(ctx, workID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "#", "Name", "State", "Responsible", "Progress"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.ID, s.Number, s.Name, s.State, s.Responsible, fmt.Sprintf("%d%%", s.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workID, "work", "", "work id")
	_ = cmd.MarkFlagRequired("work")
	return cmd
}

func stageShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <stage-id>",
		Short: "Show a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var name, state, notes, assignee, checklistJSON, dataJSON string
	var progress int
	cmd := &cobra.Command{
		Use:   "update <stage-id>",
		Short: "Patch stage fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.StagePatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("state") {
				patch.State = &state
			}
			if cmd.Flags().Changed("progress") {
				patch.Progress = &progress
			}
			if cmd.Flags().Changed("notes") {
				patch.Notes = &notes
			}
			if cmd.Flags().Changed("assignee-id") {
				patch.AssigneeID = &assignee
			}
			if cmd.Flags().Changed("checklist") {
				var items []domain.ChecklistItem
				if err := json.Unmarshal([]byte(checklistJSON), &items); err != nil {
					return fmt.Errorf("parse --checklist: %w", err)
				}
				patch.Checklist = &items
			}
			if cmd.Flags().Changed("data") {
				var data map[string]any
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("parse --data: %w", err)
				}
				patch.Data = &data
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateStage(ctx, args[0], patch, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&state, "state", "", "state (not_started, in_progress, in_review, approved)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percent (0-100)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee")
	cmd.Flags().StringVar(&checklistJSON, "checklist", "", "checklist items as JSON array")
	cmd.Flags().StringVar(&dataJSON, "data", "", "structured data as JSON object")
	return cmd
}

func fileCmd() *cobra.Command {
	f := &cobra.Command{Use: "file", Short: "Manage attachments"}
	f.AddCommand(fileUploadCmd())
	f.AddCommand(fileListCmd())
	f.AddCommand(fileVersionsCmd())
	f.AddCommand(fileDownloadCmd())
	f.AddCommand(fileRmCmd())
	f.AddCommand(fileRestoreCmd())
	f.AddCommand(filePurgeCmd())
	return f
}

func fileUploadCmd() *cobra.Command {
	var workID, stageID, mediaType string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file against a work or stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			if mediaType == "" {
				mediaType = mime.TypeByExtension(filepath.Ext(args[0]))
			}
			opts := engine.UploadOptions{
				WorkID:    workID,
				Filename:  filepath.Base(args[0]),
				MediaType: mediaType,
				Body:      src,
			}
			if stageID != "" {
				opts.StageID = &stageID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Upload(ctx, opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&workID, "work", "", "work id")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id (optional)")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "MIME type, detected from extension when empty")
	_ = cmd.MarkFlagRequired("work")
	return cmd
}

func fileListCmd() *cobra.Command {
	var f repo.AttachmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attachments for a work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAttachments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Filename", "Version", "Type", "Size", "Uploaded By"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.OriginalFilename, a.Version, a.MediaType, a.Size, a.UploadedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkID, "work", "", "work id")
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage id filter")
	cmd.Flags().BoolVar(&f.Trash, "trash", false, "list soft-deleted attachments instead")
	_ = cmd.MarkFlagRequired("work")
	return cmd
}

func fileVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <attachment-id>",
		Short: "Show the version chain, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chain, err := e.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(chain)
			})
		},
	}
	return cmd
}

func fileDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <attachment-id>",
		Short: "Download attachment content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, rc, err := e.Download(ctx, args[0], actor())
				if err != nil {
					return err
				}
				defer rc.Close()
				target := out
				if target == "" {
					target = a.OriginalFilename
				}
				dst, err := os.Create(target)
				if err != nil {
					return err
				}
				defer dst.Close()
				if _, err := io.Copy(dst, rc); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", target, a.Size)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path (defaults to the original filename)")
	return cmd
}

func fileRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <attachment-id>",
		Short: "Soft-delete an attachment version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SoftDeleteAttachment(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func fileRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <attachment-id>",
		Short: "Restore a soft-deleted attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RestoreAttachment(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func filePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <attachment-id>",
		Short: "Permanently delete a soft-deleted attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.PermanentDeleteAttachment(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit trail",
		Long:  "The append-only diary of every change: work edits, stage updates, uploads, and deletions.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, _, err := e.AuditTrail(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Actor", "Action", "Entity", "Field"})
				for _, rec := range records {
					field := ""
					if rec.Field != nil {
						field = *rec.Field
					}
					tw.AppendRow(table.Row{rec.ID, rec.TS, rec.ActorID, rec.Action, rec.EntityType + "/" + rec.EntityID, field})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of records")
	cmd.Flags().StringVar(&f.WorkID, "work", "", "work id filter")
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage id filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show the period catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			periods := catalog.Periods()
			if viper.GetBool("json") {
				return printJSON(periods)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Period", "Requires Work Type", "Stages"})
			for _, p := range periods {
				tw.AppendRow(table.Row{p.ID, p.RequiresWorkType, p.StageCount})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validRole(role) {
				return fmt.Errorf("invalid role %q", role)
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actorID,
				Role:      role,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": actorID, "role": role, "secret": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", access.RoleReadOnly, "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
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
	var allowLegacy bool
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
			blobs, err := storage.NewDir(filepath.Join(workspace, ".obratrack", "blobs"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, blobs)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader || allowLegacy,
			}
			if secret := os.Getenv("OBRATRACK_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("OBRATRACK_JWT_SECRET is required unless legacy actor headers are enabled")
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
			fmt.Printf("Serving Obratrack API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "trust X-Actor-Id/X-Actor-Role headers")
	return cmd
}

// --- helpers ---

func actor() engine.Actor {
	return engine.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("role")}
}

func validRole(role string) bool {
	switch role {
	case access.RoleAdmin, access.RoleReadOnly, access.RoleEngineering, access.RoleFinance:
		return true
	}
	return false
}

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
	blobs, err := storage.NewDir(filepath.Join(workspace, ".obratrack", "blobs"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, blobs)
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
