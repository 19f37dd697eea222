package syncengine

import (
	"context"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
)

// changeListener is one change-feed subscription. Any machine event of the
// group is handed to onEvent without inspecting its payload.
type changeListener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startChangeListener(parent context.Context, feed ChangeFeed, groupID string, onEvent func(realtime.ChangeEvent)) (*changeListener, error) {
	ctx, cancel := context.WithCancel(parent)
	events, err := feed.SubscribeChanges(ctx, groupID)
	if err != nil {
		cancel()
		return nil, err
	}
	listener := &changeListener{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(listener.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Table != realtime.TableGroupMachines {
					continue
				}
				onEvent(event)
			}
		}
	}()
	return listener, nil
}

// stop unsubscribes and waits until no more events can be delivered.
func (l *changeListener) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}
