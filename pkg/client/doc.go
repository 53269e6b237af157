// Package client is the device-facing API of the SDK.
//
// A DeviceClient is built from a device connection string and talks to the
// hub through a retry pipeline over a pooled connection:
//
//	c, err := client.New(connStr,
//		client.WithPoolSettings(pool.Settings{Pooling: true, MaxPoolSize: 4}))
//	if err != nil {
//		return err
//	}
//	defer c.Close(ctx)
//
//	if err := c.Open(ctx); err != nil {
//		return err
//	}
//	err = c.SendTelemetry(ctx, &wire.TelemetryMessage{Body: payload})
//
// Clients created with the same endpoint and pool settings share one
// connection pool. The pool closes when its last client closes.
package client
