package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/geniusboywonder/bmad/internal/adapter/postgres"
	"github.com/geniusboywonder/bmad/internal/config"
	"github.com/geniusboywonder/bmad/internal/service"
)

// runAdmin dispatches admin subcommands. Admin commands talk to the
// database directly and never publish events.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "trigger-stop":
		return runAdminTriggerStop(args[1:])
	case "deactivate-stop":
		return runAdminDeactivateStop(args[1:])
	case "list-stops":
		return runAdminListStops(args[1:])
	case "reset-daily":
		return runAdminResetDaily(args[1:])
	case "sweep-expired":
		return runAdminSweepExpired(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: bmad admin <command> [options]

Commands:
  trigger-stop      Activate an emergency stop for a project or agent
  deactivate-stop   Deactivate an emergency stop by ID
  list-stops        List active emergency stops for a project
  reset-daily       Roll all stale daily budget counters
  sweep-expired     Expire all pending approval requests past their TTL
  help              Show this help message

Examples:
  bmad admin trigger-stop --project p1 --reason "runaway deploy" --by ops
  bmad admin trigger-stop --project p1 --agent coder --reason "bad loop" --by ops
  bmad admin deactivate-stop --id 4f7c...
  bmad admin list-stops --project p1
  bmad admin reset-daily
  bmad admin sweep-expired
`)
}

type adminDeps struct {
	approvals *service.ApprovalService
	budgets   *service.BudgetService
	stops     *service.StopService
	cleanup   func()
}

func loadAdminDeps() (*adminDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store := postgres.NewStore(pool)
	stops := service.NewStopService(store, nil, 0, nil, nil, nil)
	budgets := service.NewBudgetService(store, stops, budgetLimits(cfg.Budget))
	approvals := service.NewApprovalService(store, budgets, stops, cfg.Approval, nil, nil, nil)

	return &adminDeps{
		approvals: approvals,
		budgets:   budgets,
		stops:     stops,
		cleanup:   pool.Close,
	}, nil
}

func runAdminTriggerStop(args []string) error {
	fs := flag.NewFlagSet("trigger-stop", flag.ContinueOnError)
	project := fs.String("project", "", "project ID (required)")
	agent := fs.String("agent", "", "agent type; empty for project-wide")
	reason := fs.String("reason", "", "reason for the stop (required)")
	by := fs.String("by", "admin", "who is triggering the stop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" || *reason == "" {
		return fmt.Errorf("--project and --reason are required")
	}

	deps, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer deps.cleanup()

	st, err := deps.stops.Trigger(context.Background(), *project, *agent, *reason, *by)
	if err != nil {
		return fmt.Errorf("trigger stop: %w", err)
	}
	fmt.Printf("stop %s active for %s/%s\n", st.ID, st.ProjectID, st.AgentType)
	return nil
}

func runAdminDeactivateStop(args []string) error {
	fs := flag.NewFlagSet("deactivate-stop", flag.ContinueOnError)
	id := fs.String("id", "", "stop ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	deps, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if err := deps.stops.Deactivate(context.Background(), *id); err != nil {
		return fmt.Errorf("deactivate stop: %w", err)
	}
	fmt.Printf("stop %s deactivated\n", *id)
	return nil
}

func runAdminListStops(args []string) error {
	fs := flag.NewFlagSet("list-stops", flag.ContinueOnError)
	project := fs.String("project", "", "project ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return fmt.Errorf("--project is required")
	}

	deps, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer deps.cleanup()

	stops, err := deps.stops.ListActive(context.Background(), *project)
	if err != nil {
		return fmt.Errorf("list stops: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCOPE\tREASON\tTRIGGERED BY\tACTIVATED")
	for _, st := range stops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			st.ID, st.AgentType, st.Reason, st.TriggeredBy,
			st.ActivatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runAdminResetDaily(args []string) error {
	fs := flag.NewFlagSet("reset-daily", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer deps.cleanup()

	n, err := deps.budgets.ResetDailyCounters(context.Background())
	if err != nil {
		return fmt.Errorf("reset daily counters: %w", err)
	}
	fmt.Printf("%d counters reset\n", n)
	return nil
}

func runAdminSweepExpired(args []string) error {
	fs := flag.NewFlagSet("sweep-expired", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer deps.cleanup()

	n, err := deps.approvals.CleanupExpired(context.Background())
	if err != nil {
		return fmt.Errorf("sweep expired approvals: %w", err)
	}
	fmt.Printf("%d requests expired\n", n)
	return nil
}
