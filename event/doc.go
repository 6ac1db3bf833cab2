// Package event carries domain events between components and instances.
//
// Events are a closed set of variants tagged by [Type]. [LocalBus] fans
// out in process. [BroadcastBus] does the same and also relays each event
// as an [Envelope] over a [Channel] shared by all instances, dropping its
// own echoes on receipt. Channel errors never reach callers: the bus
// turns Unhealthy, keeps serving local listeners, and retries the channel
// until it recovers.
//
//	bus := event.NewBroadcastBus(redis.NewChannel(rdb, "tally:events"))
//	defer bus.Close()
//	bus.Subscribe(func(ctx context.Context, e event.Event) {
//	    if s, ok := e.(event.SaleCompleted); ok {
//	        notify(s.StoreID)
//	    }
//	})
//	bus.Publish(ctx, event.SaleCompleted{SaleID: id, StoreID: store, Number: n})
package event
