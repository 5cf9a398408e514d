// Package runtime wires storage, config, and facades into a single-node
// flowstream instance: the pebble database holding legacy logs (and consumer
// state when that backend is selected), the stream file store, the consumer
// state store, the stream admin and the consumer factory.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	defer rt.Close()
//	_ = rt.Admin().Create(ctx, streamfile.StreamConfig{Name: "orders"})
//	c, _ := rt.OpenConsumer(ctx, "orders", consumer.Config{Group: "billing", Instances: 1})
//	txc := rt.NewTxContext(c)
//	_ = txc.Start(ctx)
//	events, _ := c.Poll(ctx, 100, time.Second)
//	_ = txc.Finish(ctx)
package runtime
