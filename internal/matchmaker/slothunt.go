package matchmaker

import (
	"context"
	"time"

	"github.com/ashureev/strangerchat/internal/transport"
)

// minHuntPause keeps a hunter that keeps drawing empty slots from hammering
// the directory.
const minHuntPause = 50 * time.Millisecond

// runSlots pairs through numbered slots. Every round the participant
// either hunts (scans one random slot and claims what it finds) or gathers
// (publishes an entry in one random slot and waits). The slot is a
// Directory attribute, so whether a participant is hunting or gathering is
// always known from its own choice, never guessed from a connect error.
func (a *attempt) runSlots(ctx context.Context) (transport.Channel, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ch, err := a.pollIncoming(); ch != nil || err != nil {
			return ch, err
		}

		slot := 1 + a.m.rng.IntN(a.cfg().Slots)
		if a.m.rng.Float64() < a.cfg().SwitchProbability {
			ch, err := a.hunt(ctx, slot)
			if ch != nil || err != nil {
				return ch, err
			}
			continue
		}

		ch, err := a.host(ctx, slot)
		if ch != nil || err != nil {
			return ch, err
		}
	}
}

// hunt tries every entry found in slot.
func (a *attempt) hunt(ctx context.Context, slot int) (transport.Channel, error) {
	entries, err := a.scan(ctx, slot)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		a.logger.Debug("Hunt slot empty", "slot", slot)
		return nil, sleep(ctx, max(a.cfg().ClaimRetryDelay, minHuntPause))
	}
	for _, entry := range entries {
		ch, err := a.claimAndConnect(ctx, entry)
		if ch != nil || err != nil {
			return ch, err
		}
	}
	return nil, nil
}
