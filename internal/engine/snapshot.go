package engine

import (
	"errors"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/persistence"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/types"
)

// moduleDataBars bounds how many of the newest bars have their strategy
// cache persisted.
const moduleDataBars = 64

func (e *Engine) buildSnapshot() *persistence.Snapshot {
	snap := &persistence.Snapshot{
		BotID:              e.cfg.BotID,
		SavedAt:            e.now(),
		LastTime:           e.lastTime,
		LastTickTimestamp:  e.lastTickTimestamp,
		Positions:          e.sortedOpen(),
		ExecutionWatermark: e.watermark,
		ExecutedSeen:       e.executedSeen,
		ResidualTicks:      e.residualTicks,
	}

	if e.risk != nil {
		st := e.risk.State()
		snap.RiskReference = st.RiskReference
		snap.MaxEquity = st.MaxEquity
		snap.TimeOfMaxEquity = st.TimeOfMaxEquity
	}

	for i, bar := range e.bars {
		if i >= moduleDataBars {
			break
		}
		if len(bar.Cache) == 0 {
			continue
		}
		if snap.ModuleData == nil {
			snap.ModuleData = make(map[int64]map[string]any)
		}
		snap.ModuleData[bar.Timestamp.Unix()] = maps.Clone(bar.Cache)
	}
	return snap
}

func (e *Engine) saveSnapshot() error {
	if e.snapshots == nil {
		return nil
	}
	if err := e.snapshots.Save(e.buildSnapshot()); err != nil {
		return fmt.Errorf("save snapshot %s: %w", e.cfg.BotID, err)
	}
	return nil
}

// Restore loads the last snapshot of the bot. A missing snapshot is a fresh
// start. Either way the first tick runs a full heal.
func (e *Engine) Restore() error {
	if e.snapshots == nil {
		return nil
	}
	snap, err := e.snapshots.Load(e.cfg.BotID)
	if errors.Is(err, types.ErrSnapshotNotFound) {
		e.logger.Info("no snapshot, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", e.cfg.BotID, err)
	}

	e.open = make(map[string]*types.Position, len(snap.Positions))
	for _, pos := range snap.Positions {
		if pos == nil || pos.Status.IsTerminal() {
			continue
		}
		e.open[pos.ID] = pos
	}

	e.lastTime = snap.LastTime
	e.lastTickTimestamp = snap.LastTickTimestamp
	e.moduleData = snap.ModuleData
	e.watermark = snap.ExecutionWatermark
	e.executedSeen = snap.ExecutedSeen
	if e.executedSeen == nil {
		e.executedSeen = make(map[string]decimal.Decimal)
	}
	e.residualTicks = snap.ResidualTicks
	e.restored = true
	e.coldStart = true

	if e.risk != nil {
		e.risk.Restore(risk.State{
			RiskReference:   snap.RiskReference,
			MaxEquity:       snap.MaxEquity,
			TimeOfMaxEquity: snap.TimeOfMaxEquity,
		})
	}

	e.logger.Info("snapshot restored",
		"positions", len(e.open),
		"last_time", snap.LastTime,
		"saved_at", snap.SavedAt,
	)
	return nil
}

// restoreModuleData puts persisted strategy cache entries back on the bars
// they were computed for. Entries already present on a bar win.
func (e *Engine) restoreModuleData(bars []*types.Bar) {
	if len(e.moduleData) == 0 {
		return
	}
	for _, bar := range bars {
		data, ok := e.moduleData[bar.Timestamp.Unix()]
		if !ok {
			continue
		}
		for k, v := range data {
			if _, set := bar.Cache[k]; !set {
				bar.SetCache(k, v)
			}
		}
	}
	e.moduleData = nil
}
