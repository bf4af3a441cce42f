package engine

import (
	"context"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/schedule"
)

// UpdateChannel applies update to a copy of the broadcast channel
// parameters and installs the result. If DCD or UCD content changes, the
// next frame broadcasts them with new change counts and the maps move to
// them once the transition countdown ends. It reports whether that
// happened.
func (e *Engine) UpdateChannel(ctx context.Context, update func(*schedule.Channel)) (bool, error) {
	if err := e.Err(); err != nil {
		return false, err
	}
	ch := e.sched.Channel()
	update(&ch)
	changed, err := e.sched.SetChannel(ch)
	if err != nil {
		return false, err
	}
	if changed {
		e.stats.descriptorChanges.Inc()
		e.log.Info(ctx, "channel parameters changed",
			logging.Any("frequency_khz", ch.FrequencyKHz),
			logging.Int("dl_profiles", len(ch.DLProfiles)),
			logging.Int("ul_profiles", len(ch.ULProfiles)))
	}
	return changed, nil
}
