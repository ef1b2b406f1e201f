package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/internal/config"
	"github.com/dqhieuu/pg-explore-sub000/internal/dbml"
	internal_http "github.com/dqhieuu/pg-explore-sub000/internal/http"
	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/dqhieuu/pg-explore-sub000/internal/sandbox"
	"github.com/dqhieuu/pg-explore-sub000/internal/service"
	internal_storage "github.com/dqhieuu/pg-explore-sub000/internal/storage"
	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	workflows "github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/spf13/cobra"
)

// app holds what a command needs. engines and notifier are only set for
// commands that touch sandbox databases.
type app struct {
	cfg        config.Config
	store      *internal_storage.PostgresStore
	engines    *sandbox.Manager
	project    *service.ProjectService
	dispatcher *workflows.Dispatcher
	notifier   *service.Notifier
}

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a := newApp(ctx, cmd, true)
			defer a.close()
			if err := internal_http.StartServer(ctx, a.cfg.Port, a.project, a.notifier); err != nil {
				exitf("server stopped: %v", err)
			}
		},
	}

	createCmd := &cobra.Command{
		Use:   "create name=<name>",
		Short: "Create a database with empty schema and data workflows",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(commandContext(cmd), cmd, false)
			defer a.close()
			name := args[0]
			if key, value, ok := strings.Cut(args[0], "="); ok && key == "name" {
				name = value
			}
			db, err := a.project.CreateDatabase(name)
			if err != nil {
				exitf("failed to create database: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created database '%s' with ID %s\n", db.Name, db.ID)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all databases",
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(commandContext(cmd), cmd, false)
			defer a.close()
			dbs, err := a.project.ListDatabases()
			if err != nil {
				exitf("failed to list databases: %v", err)
			}
			if len(dbs) == 0 {
				fmt.Fprintf(os.Stdout, "No databases found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Databases:\n")
			for _, db := range dbs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Progress: %s, Created: %s\n",
					db.ID, db.Name, progressOf(db.WorkflowState), db.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	stateCmd := &cobra.Command{
		Use:   "state <id>",
		Short: "Show the workflow state of a database",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(commandContext(cmd), cmd, false)
			defer a.close()
			db, err := a.project.GetDatabase(args[0])
			if err != nil {
				exitf("failed to get database: %v", err)
			}
			printState(db.WorkflowState)
		},
	}

	applyCmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply the workflows of a database, to the end or up to --workflow/--steps",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var target *models.ApplyTarget
			if cmd.Flags().Changed("workflow") || cmd.Flags().Changed("steps") {
				workflow, _ := cmd.Flags().GetString("workflow")
				steps, _ := cmd.Flags().GetInt("steps")
				target = &models.ApplyTarget{WorkflowType: models.WorkflowType(workflow), StepsToApply: steps}
			}
			a := newApp(commandContext(cmd), cmd, true)
			defer a.close()
			state, err := a.notifier.Apply(commandContext(cmd), args[0], target)
			if err != nil {
				printState(state)
				exitf("failed to apply workflow: %v", err)
			}
			printState(state)
		},
	}
	applyCmd.Flags().String("workflow", string(models.DataWorkflowType), "Workflow to stop in: schema or data")
	applyCmd.Flags().Int("steps", 0, "Number of steps of --workflow to apply")

	dirtyCmd := &cobra.Command{
		Use:   "dirty <id>",
		Short: "Mark the workflow state of a database dirty",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(commandContext(cmd), cmd, true)
			defer a.close()
			if err := a.notifier.MarkDirty(commandContext(cmd), args[0]); err != nil {
				exitf("failed to mark database dirty: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Marked database %s dirty\n", args[0])
		},
	}

	queryCmd := &cobra.Command{
		Use:   "query <id> <sql>",
		Short: "Bring a database up to date and run a query against it",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(commandContext(cmd), cmd, true)
			defer a.close()
			result, err := a.notifier.RunQuery(commandContext(cmd), args[0], args[1])
			if err != nil {
				exitf("query failed: %v", err)
			}
			printResult(result)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a database and its sandbox",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(commandContext(cmd), cmd, true)
			defer a.close()
			if err := a.project.DeleteDatabase(commandContext(cmd), args[0]); err != nil {
				exitf("failed to delete database: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Deleted database %s\n", args[0])
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <project.yaml>",
		Short: "Create a database from a YAML project file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			f, err := os.Open(args[0])
			if err != nil {
				exitf("failed to open project file: %v", err)
			}
			defer f.Close()
			a := newApp(commandContext(cmd), cmd, false)
			defer a.close()
			db, err := importProject(a.project, f)
			if err != nil {
				exitf("failed to import project: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Imported project '%s' as database %s\n", db.Name, db.ID)
		},
	}

	rootCmd.AddCommand(serveCmd, createCmd, listCmd, stateCmd, applyCmd, dirtyCmd, queryCmd, deleteCmd, importCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newApp(ctx context.Context, cmd *cobra.Command, withEngines bool) *app {
	cfg, err := config.Load(cmd)
	if err != nil {
		exitf("invalid configuration: %v", err)
	}
	log.SetLevel(cfg.LogLevel)
	log.GetLogger().Debugf("Running %s with log level %s", cmd.Name(), cfg.LogLevel)

	store, err := internal_storage.InitStore(ctx, cfg.DB)
	if err != nil {
		exitf("failed to initialize store: %v", err)
	}
	a := &app{cfg: cfg, store: store}
	if !withEngines {
		a.project = service.NewProjectService(store, nil)
		return a
	}

	engines, err := sandbox.NewManager(ctx, cfg.Sandbox)
	if err != nil {
		store.Close()
		exitf("failed to connect to sandbox server: %v", err)
	}
	svc := workflows.NewWorkflowService(store, dbml.NewTranspiler(), log.GetLogger())
	a.engines = engines
	a.project = service.NewProjectService(store, engines)
	a.dispatcher = workflows.NewDispatcher(ctx, svc, engines, log.GetLogger())
	a.notifier = service.NewNotifier(svc, a.dispatcher, cfg.DispatchTimeout)
	return a
}

func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.engines != nil {
		a.engines.Close()
	}
	if err := a.store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
}

func exitf(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func progressOf(state *models.WorkflowState) string {
	if state == nil {
		return "not evaluated"
	}
	return fmt.Sprintf("%s (%d steps)", state.CurrentProgress, state.StepsDone)
}

func printState(state *models.WorkflowState) {
	fmt.Fprintf(os.Stdout, "Progress: %s\n", progressOf(state))
	if state == nil {
		return
	}
	for _, r := range state.StepResults {
		line := fmt.Sprintf("- %s #%d: %s", r.Type, r.Index, r.Result)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func printResult(result *models.QueryResult) {
	if len(result.Columns) > 0 {
		fmt.Fprintln(os.Stdout, strings.Join(result.Columns, "\t"))
		for _, row := range result.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = fmt.Sprint(v)
			}
			fmt.Fprintln(os.Stdout, strings.Join(cells, "\t"))
		}
	}
	fmt.Fprintln(os.Stdout, result.CommandTag)
}
