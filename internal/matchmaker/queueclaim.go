package matchmaker

import (
	"context"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/transport"
)

// runQueue pairs through one global queue: claim the oldest waiting entry,
// or publish an entry and wait to be claimed when the queue is empty.
func (a *attempt) runQueue(ctx context.Context) (transport.Channel, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ch, err := a.pollIncoming(); ch != nil || err != nil {
			return ch, err
		}

		entries, err := a.scan(ctx, domain.QueueSlot)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			ch, err := a.host(ctx, domain.QueueSlot)
			if ch != nil || err != nil {
				return ch, err
			}
			continue
		}

		// Oldest first. A lost race on one entry moves on to the next; the
		// batch is rescanned once exhausted.
		for _, entry := range entries {
			ch, err := a.claimAndConnect(ctx, entry)
			if ch != nil || err != nil {
				return ch, err
			}
		}
	}
}
