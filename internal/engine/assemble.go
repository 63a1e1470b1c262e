package engine

import (
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/countermeasure"
	"github.com/kiltro-dev/taskforge/internal/tactics"
	"github.com/kiltro-dev/taskforge/internal/tactics/activate"
	"github.com/kiltro-dev/taskforge/internal/tactics/auth"
	"github.com/kiltro-dev/taskforge/internal/tactics/nav"
)

// Capabilities are the optional powers tactic sets can draw on. Any of them
// may be nil; the affected tactics drop out of their chains.
type Capabilities struct {
	Vision  tactics.VisionAdvisor
	Cookies tactics.CookieSource
	Routes  nav.RouteLearner
}

// BuildExecutors assembles the three chain executors with the countermeasure
// handler attached.
func BuildExecutors(logger *zap.Logger, chainCfg config.ChainConfig, cmCfg config.CountermeasureConfig, caps Capabilities) map[schemas.ActionKind]*chain.Executor {
	recoverer := countermeasure.NewHandler(logger, cmCfg)
	timeout := chainCfg.TacticTimeout

	return map[schemas.ActionKind]*chain.Executor{
		schemas.ActionAuthenticate: chain.New(logger, schemas.ActionAuthenticate, timeout,
			auth.Tactics(auth.Deps{Vision: caps.Vision, Cookies: caps.Cookies}),
			chain.WithRecoverer(recoverer)),
		schemas.ActionNavigate: chain.New(logger, schemas.ActionNavigate, timeout,
			nav.Tactics(nav.Deps{Routes: caps.Routes, Vision: caps.Vision}),
			chain.WithRecoverer(recoverer)),
		schemas.ActionActivate: chain.New(logger, schemas.ActionActivate, timeout,
			activate.Tactics(activate.Deps{Vision: caps.Vision}),
			chain.WithRecoverer(recoverer)),
	}
}
