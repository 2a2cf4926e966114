// Package health tracks the health of the pieces of a running cellmate
// process and serves the rolled-up result over HTTP.
//
// A Status is healthy, degraded or unhealthy. A Monitor holds the latest
// status per component, either pushed with Update or pulled from checks
// registered with Register and polled by Run:
//
//	monitor := health.NewMonitor("cellmate", logger)
//	monitor.Register("transport", func() health.Status {
//	    if client.IsHealthy() {
//	        return health.NewHealthy("transport", "connected")
//	    }
//	    return health.NewUnhealthy("transport", "disconnected")
//	})
//	go monitor.Run(ctx, 5*time.Second)
//
// Monitor implements http.Handler. It answers with the aggregate as JSON
// and status 503 while any component is unhealthy; degraded components
// still answer 200.
//
// Messages built by FromError are stripped of URLs, paths, addresses and
// credentials before they are stored.
package health
