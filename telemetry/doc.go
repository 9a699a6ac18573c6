/*
Package telemetry provides the OpenTelemetry implementation of core.Telemetry
for fedquery.

Spans are exported to stdout, to an OTLP gRPC collector, or nowhere. Metrics
are always collected into a Prometheus registry owned by the provider, which
the CLI can dump in the text exposition format.

Packages declare their metrics from init():

	func init() {
	    telemetry.DeclareMetrics("federation", telemetry.ModuleConfig{
	        Metrics: []telemetry.MetricDefinition{
	            {Name: "federation.runs.total", Type: "counter", Labels: []string{"status"}},
	        },
	    })
	}

and the provider creates the matching instruments, with help text, units and
histogram buckets, on startup:

	provider, err := telemetry.NewOTelProvider(ctx, telemetry.FromCore(cfg.Telemetry))
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)
	federator := orchestration.NewFederator(registry, orchestration.WithTelemetry(provider))

Thread Safety:

All exported methods are safe for concurrent use. Instrument creation uses
double-checked locking so the hot path only takes a read lock.
*/
package telemetry
