package tracebus

import (
	"context"

	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/store"
)

// Tail streams a run's trace from fromCursor onward: persisted events are
// replayed from the store first, then live events follow with no gap and no
// duplicate. handler returning an error, or ctx cancellation, stops the
// tail. A subscriber evicted for falling behind gets ErrSubscriberEvicted.
func Tail(ctx context.Context, st store.Store, bus *Bus, runID string, fromCursor int64, handler func(*model.TraceEvent) error) error {
	// Subscribe before replay so nothing published during the catch-up scan
	// is missed; duplicates are filtered by id below.
	sub := bus.Subscribe(runID)
	defer bus.Unsubscribe(runID, sub)

	cursor := fromCursor
	for {
		page, err := st.ListEvents(ctx, runID, cursor, store.MaxListLimit)
		if err != nil {
			return err
		}
		if len(page.Events) == 0 {
			break
		}
		for _, ev := range page.Events {
			if err := handler(ev); err != nil {
				return err
			}
			cursor = ev.ID
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					return ErrSubscriberEvicted
				}
				return nil
			}
			if ev.ID <= cursor {
				// Already replayed from the store
				continue
			}
			if ev.ID > cursor+1 {
				// Fill ids between the replay position and the live event
				// from the store before delivering it
				page, err := st.ListEvents(ctx, runID, cursor, store.MaxListLimit)
				if err != nil {
					return err
				}
				for _, missed := range page.Events {
					if missed.ID >= ev.ID {
						break
					}
					if err := handler(missed); err != nil {
						return err
					}
					cursor = missed.ID
				}
			}
			if err := handler(ev); err != nil {
				return err
			}
			cursor = ev.ID
		}
	}
}
