// Package telemetry provides logging, tracing, metrics and events for a
// strata workspace.
//
// Logging wraps zerolog; every workspace component takes a component
// logger:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	log := tel.Logger.NewComponentLogger("workspace").WithPackage("theme.5", "")
//	log.Info("Resolving chain")
//
// Metrics are Prometheus collectors in a private registry. Metrics
// implements cell.Observer, so value cell builds, loads, saves and stamp
// validations are counted and timed when the metrics are handed to a cell
// registry.
//
// Tracing uses OpenTelemetry with a stdout or OTLP gRPC exporter and is off
// by default. Spans are opened around chain resolutions and repository
// cache builds through StartOperation.
//
// Events report package changes and cache invalidations to subscribers
// such as the watch command.
package telemetry
