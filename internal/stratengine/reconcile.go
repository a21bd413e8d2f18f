package stratengine

import (
	"errors"
	"reflect"

	"go.uber.org/zap"

	"strategy-engine/internal/model"
	"strategy-engine/internal/strategy"
)

// Registry is the engine surface Reconcile needs.
type Registry interface {
	Add(cfg model.StrategyConfig) (*strategy.View, error)
	Runtime(id string) (*strategy.View, error)
	UpdateConfig(id string, patch model.ConfigPatch) (*strategy.View, error)
}

// ReconcileResult counts what a reconcile pass did.
type ReconcileResult struct {
	Added     int
	Updated   int
	Unchanged int
	Failed    int
}

// Reconcile brings the registry in line with the seed file: unknown ids are
// added, changed ones get the full file config. Strategies missing from the file
// are left alone; they may have been added through the API.
func Reconcile(reg Registry, cfgs []model.StrategyConfig, log *zap.Logger) ReconcileResult {
	var res ReconcileResult
	for _, cfg := range cfgs {
		cur, err := reg.Runtime(cfg.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			if _, err := reg.Add(cfg); err != nil {
				res.Failed++
				log.Warn("seed strategy rejected", zap.String("id", cfg.ID), zap.Error(err))
				continue
			}
			res.Added++

		case err != nil:
			res.Failed++
			log.Warn("seed strategy lookup failed", zap.String("id", cfg.ID), zap.Error(err))

		default:
			want, verr := strategy.ValidateConfig(cfg)
			if verr == nil && reflect.DeepEqual(want, cur.Config) {
				res.Unchanged++
				continue
			}
			if _, err := reg.UpdateConfig(cfg.ID, model.FullPatch(cfg)); err != nil {
				res.Failed++
				log.Warn("seed strategy update rejected", zap.String("id", cfg.ID), zap.Error(err))
				continue
			}
			res.Updated++
		}
	}
	return res
}
