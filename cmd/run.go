package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/engine"
	"github.com/kiltro-dev/taskforge/internal/modelrouter"
	"github.com/kiltro-dev/taskforge/internal/observability"
	"github.com/kiltro-dev/taskforge/internal/ranker"
	"github.com/kiltro-dev/taskforge/internal/store"
	"github.com/kiltro-dev/taskforge/internal/store/memstore"
	"github.com/kiltro-dev/taskforge/internal/surface"
	"github.com/kiltro-dev/taskforge/internal/tactics"
	"github.com/kiltro-dev/taskforge/internal/tactics/nav"
)

// newRunCmd creates the `run` command, which executes a single task.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Executes one browser task through the tactic chains",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}

			logger.Info("Running task",
				zap.String("task_id", req.TaskID),
				zap.String("kind", string(req.Target.Kind)),
				zap.String("domain", req.Domain))

			components, err := initializeComponents(ctx, cfg, logger, req.UserID)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			result, err := components.Engine.Execute(ctx, req)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if !result.Success {
				// The task result is the contract; the exit code just mirrors it.
				return fmt.Errorf("task failed: %s", result.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().String("kind", "", "Action kind: authenticate, navigate or activate (required)")
	runCmd.Flags().String("domain", "", "Target domain, e.g. example.com (required)")
	runCmd.Flags().String("task-type", string(schemas.TaskTypeGeneric), "Task type: booking, purchase, form_submission, login or generic")
	runCmd.Flags().String("task-id", "", "Task identifier (defaults to a fresh UUID)")
	runCmd.Flags().String("user", "", "User the task and its model spend are attributed to")
	runCmd.Flags().String("url", "", "Starting URL the surface is positioned at before the chain runs")
	runCmd.Flags().String("locator", "", "CSS locator of the element to act on (activate)")
	runCmd.Flags().String("description", "", "Natural-language description of the goal, e.g. 'pricing page' or 'Pay now button'")
	runCmd.Flags().String("username", "", "Login identifier (authenticate); TASKFORGE_TARGET_USERNAME works too")
	runCmd.Flags().String("password", "", "Login secret (authenticate); prefer TASKFORGE_TARGET_PASSWORD over the flag")

	return runCmd
}

// requestFromFlags assembles and validates the task request.
func requestFromFlags(cmd *cobra.Command) (schemas.TaskRequest, error) {
	flagStr := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}

	kind := schemas.ActionKind(flagStr("kind"))
	switch kind {
	case schemas.ActionAuthenticate, schemas.ActionNavigate, schemas.ActionActivate:
	default:
		return schemas.TaskRequest{}, fmt.Errorf("--kind must be one of authenticate, navigate, activate (got %q)", kind)
	}

	domain := flagStr("domain")
	if domain == "" {
		return schemas.TaskRequest{}, fmt.Errorf("--domain is required")
	}

	taskID := flagStr("task-id")
	if taskID == "" {
		taskID = uuid.New().String()
	}

	username := flagStr("username")
	if username == "" {
		username = os.Getenv("TASKFORGE_TARGET_USERNAME")
	}
	password := flagStr("password")
	if password == "" {
		password = os.Getenv("TASKFORGE_TARGET_PASSWORD")
	}

	return schemas.TaskRequest{
		TaskID:   taskID,
		UserID:   flagStr("user"),
		Domain:   domain,
		TaskType: schemas.TaskType(flagStr("task-type")),
		Target: schemas.ActionTarget{
			Kind:        kind,
			Domain:      domain,
			URL:         flagStr("url"),
			Locator:     flagStr("locator"),
			Description: flagStr("description"),
			Username:    username,
			Password:    password,
		},
	}, nil
}

// components holds the initialized service graph for one run.
type components struct {
	Engine  *engine.Engine
	factory *surface.CDPFactory
	pool    *pgxpool.Pool
}

// Shutdown releases the browser allocator and the database pool.
func (c *components) Shutdown() {
	if c.factory != nil {
		c.factory.Shutdown()
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

// initializeComponents performs the dependency wiring. With a database URL
// configured the statistics survive restarts; without one an in-memory store
// backs a single run.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, userID string) (*components, error) {
	c := &components{}

	var (
		repo     ranker.Repository
		routes   nav.RouteLearner
		cookies  tactics.CookieSource
		ledger   modelrouter.BudgetLedger
		outcomes engine.OutcomeRecorder
		spend    engine.SpendReader
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return c, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.pool = pool
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize store: %w", err)
		}
		repo, routes, cookies, ledger, outcomes, spend = st, st, st, st, st, st
	} else {
		logger.Warn("No database configured; statistics will not survive this run")
		mem := memstore.New()
		repo, routes, cookies, ledger, outcomes, spend = mem, mem, mem, mem, mem, mem
	}

	router := modelrouter.New(logger, cfg.Router, ledger)
	rnk := ranker.New(repo, logger)

	c.factory = surface.NewCDPFactory(cfg.Surface, logger)

	executors := engine.BuildExecutors(logger, cfg.Chain, cfg.Countermeasure, engine.Capabilities{
		Vision:  modelrouter.NewVisionAdvisor(router, userID),
		Cookies: cookies,
		Routes:  routes,
	})

	c.Engine = engine.New(logger, cfg.Engine, cfg.Verifier, engine.Deps{
		Factory:   c.factory,
		Ranker:    rnk,
		Router:    router,
		Executors: executors,
		Outcomes:  outcomes,
		Spend:     spend,
	})
	return c, nil
}
