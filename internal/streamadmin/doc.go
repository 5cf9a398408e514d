// Package streamadmin manages stream configurations and the shape of their
// consumer groups.
//
// A stream's configuration lives in config.json inside its directory. Group
// shape changes go through the consumer state store, which moves the group to
// a new generation and recomputes the starting cursors of the new instances.
// Callers must close every consumer of a group before reconfiguring it.
//
//	admin := streamadmin.New(streamadmin.Options{Files: files, State: st})
//	_ = admin.Create(ctx, streamfile.StreamConfig{Name: "orders", TTL: 24 * time.Hour})
//	_, _ = admin.ConfigureInstances(ctx, "orders", "billing", 4)
package streamadmin
