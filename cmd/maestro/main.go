package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/maestro-ai/maestro"
	"github.com/maestro-ai/maestro/postgres"
	"github.com/maestro-ai/maestro/sqlite"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Maestro - run and resume multi-agent workflows

Usage: %s <command> [options]

Commands:
  run          Execute a YAML workflow definition
  resume       Resume a suspended execution
  executions   List stored executions
  state        Show the state of one execution
  checkpoints  List pending checkpoints
  resolve      Approve or reject a pending checkpoint
  expire       Expire overdue pending checkpoints
  cancel       Cancel an execution

Store options (all commands):
  -db <path>        SQLite database path (default ~/.maestro/maestro.db)
  -postgres <dsn>   Use PostgreSQL instead of SQLite

Examples:
  # Run a workflow with inputs
  %s run -file review.yaml -input ticket=1234

  # Approve the checkpoint it suspended at, then resume
  %s checkpoints
  %s resolve -id chk_01h2xcejqtf2nbrexx3vqjhp41 -decision approve -responder alice
  %s resume -id exec_01h2xcejqtf2nbrexx3vqjhp41
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

// storeFlags are shared by every subcommand.
type storeFlags struct {
	dbPath      string
	postgresDSN string
	verbose     bool
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.dbPath, "db", "", "SQLite database path (default ~/.maestro/maestro.db)")
	fs.StringVar(&f.postgresDSN, "postgres", "", "PostgreSQL DSN (overrides -db)")
	fs.BoolVar(&f.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&f.verbose, "v", false, "Enable debug logging (shorthand)")
}

// stores bundles the three store interfaces plus the close hook.
type stores struct {
	states      maestro.StateStore
	checkpoints maestro.CheckpointStore
	relations   maestro.RelationStore
	close       func() error
}

func (f *storeFlags) open() (*stores, error) {
	if f.postgresDSN != "" {
		store, err := postgres.Open(f.postgresDSN)
		if err != nil {
			return nil, err
		}
		return &stores{states: store, checkpoints: store, relations: store, close: store.Close}, nil
	}
	path := f.dbPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".maestro")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "maestro.db")
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return &stores{states: store, checkpoints: store, relations: store, close: store.Close}, nil
}

func (f *storeFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return maestro.NewLoggerWithLevel(level)
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "resume":
		err = cmdResume(os.Args[2:])
	case "executions":
		err = cmdExecutions(os.Args[2:])
	case "state":
		err = cmdState(os.Args[2:])
	case "checkpoints":
		err = cmdCheckpoints(os.Args[2:])
	case "resolve":
		err = cmdResolve(os.Args[2:])
	case "expire":
		err = cmdExpire(os.Args[2:])
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		color.Red("Error: unknown command %q", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	file := fs.String("file", "", "Path to the YAML workflow definition file (required)")
	fs.StringVar(file, "f", "", "Path to the YAML workflow definition file (shorthand)")
	timeout := fs.Duration("timeout", 0, "Execution timeout (e.g., 30s, 5m)")
	var inputFlags stringSlice
	fs.Var(&inputFlags, "input", "Input parameter in format key=value (repeatable)")
	fs.Var(&inputFlags, "i", "Input parameter in format key=value (shorthand)")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("workflow file is required (-file)")
	}
	inputs, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}

	color.Blue("Loading workflow from: %s", *file)
	wf, err := maestro.LoadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	color.Cyan("Workflow: %s (version %s)", wf.Name(), wf.Version())
	if wf.Description() != "" {
		color.White("Description: %s", wf.Description())
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	orchestrator := maestro.NewOrchestrator(maestro.OrchestratorOptions{
		Handlers:    builtinHandlers(),
		Checkpoints: store.checkpoints,
		States:      store.states,
		Relations:   store.relations,
		Logger:      sf.logger(),
	})
	if err := orchestrator.RegisterWorkflow(wf); err != nil {
		return err
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	startTime := time.Now()
	snapshot, err := orchestrator.Execute(ctx, wf.Name(), inputs)
	if snapshot != nil {
		printOutcome(snapshot, time.Since(startTime))
		if snapshot.Status == maestro.ExecutionStatusSuspended {
			printPending(ctx, orchestrator, snapshot.ExecutionID)
		}
	}
	return err
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	id := fs.String("id", "", "Execution ID (required)")
	file := fs.String("file", "", "Path to the YAML workflow definition file (required)")
	timeout := fs.Duration("timeout", 0, "Execution timeout")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("execution id is required (-id)")
	}
	if *file == "" {
		return fmt.Errorf("workflow file is required (-file)")
	}
	wf, err := maestro.LoadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	orchestrator := maestro.NewOrchestrator(maestro.OrchestratorOptions{
		Handlers:    builtinHandlers(),
		Checkpoints: store.checkpoints,
		States:      store.states,
		Relations:   store.relations,
		Logger:      sf.logger(),
	})
	if err := orchestrator.RegisterWorkflow(wf); err != nil {
		return err
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	color.Blue("Resuming execution: %s", *id)
	startTime := time.Now()
	snapshot, err := orchestrator.Resume(ctx, *id)
	if snapshot != nil {
		printOutcome(snapshot, time.Since(startTime))
		if snapshot.Status == maestro.ExecutionStatusSuspended {
			printPending(ctx, orchestrator, snapshot.ExecutionID)
		}
	}
	return err
}

func cmdExecutions(args []string) error {
	fs := flag.NewFlagSet("executions", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	fs.Parse(args)

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	ctx := context.Background()
	ids, err := store.states.ListExecutions(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		color.Yellow("No executions found")
		return nil
	}
	for _, id := range ids {
		snapshot, err := store.states.LoadState(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%-42s %-12s %s\n", snapshot.ExecutionID, snapshot.Status, snapshot.WorkflowName)
	}
	return nil
}

func cmdState(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	id := fs.String("id", "", "Execution ID (required)")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("execution id is required (-id)")
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	snapshot, err := store.states.LoadState(context.Background(), *id)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func cmdCheckpoints(args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	executionID := fs.String("execution", "", "Filter to one execution ID")
	fs.Parse(args)

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	pending, err := store.checkpoints.ListPendingCheckpoints(context.Background(), *executionID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		color.Yellow("No pending checkpoints")
		return nil
	}
	for _, checkpoint := range pending {
		color.Cyan("%s", checkpoint.ID)
		fmt.Printf("  execution: %s\n", checkpoint.ExecutionID)
		fmt.Printf("  step:      %s\n", checkpoint.StepName)
		fmt.Printf("  proposed:  %s\n", checkpoint.ProposedAction)
		fmt.Printf("  expires:   %s\n", checkpoint.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	id := fs.String("id", "", "Checkpoint ID (required)")
	decision := fs.String("decision", "", "Decision: approve or reject (required)")
	responder := fs.String("responder", "", "Who is responding (required)")
	feedback := fs.String("feedback", "", "Optional feedback for the workflow")
	fs.Parse(args)

	if *id == "" || *responder == "" {
		return fmt.Errorf("checkpoint id and responder are required (-id, -responder)")
	}
	var d maestro.Decision
	switch strings.ToLower(*decision) {
	case "approve":
		d = maestro.DecisionApprove
	case "reject":
		d = maestro.DecisionReject
	default:
		return fmt.Errorf("decision must be approve or reject, got %q", *decision)
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	checkpoint, err := store.checkpoints.ResolveCheckpoint(context.Background(), *id, maestro.Resolution{
		Decision:  d,
		Responder: *responder,
		Feedback:  *feedback,
	})
	if err != nil {
		return err
	}
	color.Green("Checkpoint %s is now %s", checkpoint.ID, checkpoint.Status)
	color.White("Resume the execution with: %s resume -id %s -file <workflow.yaml>",
		os.Args[0], checkpoint.ExecutionID)
	return nil
}

func cmdExpire(args []string) error {
	fs := flag.NewFlagSet("expire", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	fs.Parse(args)

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	ctx := context.Background()
	pending, err := store.checkpoints.ListPendingCheckpoints(ctx, "")
	if err != nil {
		return err
	}
	now := time.Now()
	expired := 0
	for _, checkpoint := range pending {
		if !checkpoint.Expired(now) {
			continue
		}
		if _, err := store.checkpoints.ResolveCheckpoint(ctx, checkpoint.ID, maestro.Resolution{
			Decision: maestro.DecisionExpire,
		}); err != nil {
			color.Yellow("Skipped %s: %v", checkpoint.ID, err)
			continue
		}
		color.White("Expired %s (execution %s)", checkpoint.ID, checkpoint.ExecutionID)
		expired++
	}
	color.Green("Expired %d checkpoint(s)", expired)
	return nil
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	var sf storeFlags
	sf.register(fs)
	id := fs.String("id", "", "Execution ID (required)")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("execution id is required (-id)")
	}
	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.close()

	ctx := context.Background()
	snapshot, err := store.states.LoadState(ctx, *id)
	if err != nil {
		return err
	}
	if snapshot.Status.Terminal() {
		return fmt.Errorf("execution %s is already %s", *id, snapshot.Status)
	}
	snapshot.Status = maestro.ExecutionStatusCancelled
	snapshot.EndTime = time.Now()
	if err := store.states.SaveState(ctx, snapshot); err != nil {
		return err
	}
	color.Green("Execution %s cancelled", *id)
	return nil
}

func printOutcome(snapshot *maestro.StateSnapshot, duration time.Duration) {
	switch snapshot.Status {
	case maestro.ExecutionStatusCompleted:
		color.Green("\nExecution %s completed in %s", snapshot.ExecutionID, duration.Round(time.Millisecond))
	case maestro.ExecutionStatusSuspended:
		color.Yellow("\nExecution %s suspended after %s", snapshot.ExecutionID, duration.Round(time.Millisecond))
	case maestro.ExecutionStatusCancelled:
		color.Yellow("\nExecution %s cancelled after %s", snapshot.ExecutionID, duration.Round(time.Millisecond))
	default:
		color.Red("\nExecution %s %s after %s", snapshot.ExecutionID, snapshot.Status, duration.Round(time.Millisecond))
		if snapshot.Error != "" {
			color.Red("Error: %s", snapshot.Error)
		}
	}
	if len(snapshot.Context) > 0 {
		encoded, err := json.MarshalIndent(snapshot.Context, "", "  ")
		if err == nil {
			color.White("Context:")
			fmt.Println(string(encoded))
		}
	}
}

func printPending(ctx context.Context, orchestrator *maestro.Orchestrator, executionID string) {
	pending, err := orchestrator.ListPendingCheckpoints(ctx, executionID)
	if err != nil {
		return
	}
	for _, checkpoint := range pending {
		color.Yellow("Pending checkpoint %s at step %q:", checkpoint.ID, checkpoint.StepName)
		color.White("  %s", checkpoint.ProposedAction)
		color.White("  Resolve with: %s resolve -id %s -decision approve -responder <you>",
			os.Args[0], checkpoint.ID)
	}
}

func parseInputs(inputFlags stringSlice) (map[string]any, error) {
	inputs := map[string]any{}
	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid input format %q, use key=value", input)
		}
		key, value := parts[0], parts[1]
		// Values parse as JSON when possible, otherwise as strings.
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

// stringSlice collects repeated flag values.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}
