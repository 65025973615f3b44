// Package webhook implements the optional push path for thermostat
// state: an HTTP server that receives C2C status notifications from the
// Legrand cloud, and a subscription manager that registers the bridge's
// endpoint for every known plant.
//
// The push path only lowers latency; the poll loop remains the
// authoritative state source. When no webhook endpoint is configured the
// whole package stays idle.
//
// Lifecycle:
//
//	server := webhook.NewServer(cfg, logger)
//	server.SetActivePlants(plantIDs)
//	server.Start()
//	defer server.Close()
//
//	manager := webhook.NewManager(webhook.ManagerOptions{...})
//	manager.Start(ctx, plantIDs) // clears stale subscriptions, registers new ones
//	defer manager.Stop(ctx)      // unregisters on shutdown
package webhook
