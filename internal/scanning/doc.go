// Package scanning runs port scans end to end for portgate.
//
// # Overview
//
// The Orchestrator composes the engine's building blocks into a single Scan
// call:
//
//   - admission through the rate gate and the in-process Tracker
//   - a result cache lookup, skipped when the request is forced
//   - priority ordering of ports into critical, high, medium and low groups
//   - a bounded fan-out of probes per group, sized by the adaptive controller
//   - service detection on open TCP ports and OS fingerprinting over the
//     full result set
//   - write-back to the cache
//
// Every requested port yields exactly one result unless the scan is
// cancelled, in which case the partial result is returned with Incomplete
// set.
//
// # Usage
//
//	ports, err := scanning.ParsePorts("22,80,443,8000-8100")
//	if err != nil {
//		return err
//	}
//
//	orch := scanning.New(
//		scanning.WithRateGate(gate),
//		scanning.WithCache(resultCache),
//		scanning.WithLogger(logger),
//	)
//
//	result, err := orch.Scan(ctx, scanning.Request{
//		ClientID: "cli",
//		Target:   "192.0.2.10",
//		Ports:    ports,
//		Config:   scanning.DefaultScanConfig(),
//	}, sink)
//	if err != nil {
//		return err
//	}
//
//	_ = scanning.PrintResults(os.Stdout, result, scanning.PrintOptions{Color: true})
//
// # Errors
//
// Admission failures are returned before any probe is sent and carry
// remediation metadata: *errors.RateLimitError, *errors.InvalidTargetError,
// a HOST_UNREACHABLE ScanError when RequireReachable is set, and
// *errors.ServiceUnavailableError when a fail-closed limit cannot be checked.
// Per-port problems are never errors; they are reported as port states.
//
// Scan admits and runs in one call. Callers that retry a failed scan use
// Admit once and ScanAdmitted per attempt, so retries never draw on the
// client or target quota again.
//
// # Events
//
// Scan emits progress to an optional events.Sink from several goroutines, so
// sinks must be safe for concurrent use. The last event is always either
// scan_complete or error.
package scanning
