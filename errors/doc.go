// Package errors defines the pipeline's error taxonomy and a three-class
// classification used to decide between retrying, rejecting and stopping.
//
// Taxonomy:
//
//   - ErrValidation: malformed or missing field, rejected at the receiver
//   - ErrCapacityExceeded: stream full, surfaced as HTTP 503 or a dropped UDP frame
//   - ErrDeliveryFailure: sink write failed, retried through redelivery
//   - ErrMaxRetriesExceeded: entry dead-lettered
//   - ErrClaimExpired: internal trigger for redelivery
//
// Classes:
//
//   - ErrorTransient: retry (timeouts, capacity, sink outages)
//   - ErrorInvalid: reject (validation, parse failures, late arrivals)
//   - ErrorFatal: stop (bad configuration, corrupted journal)
//
// Wrap formats errors as "component.method: action failed: <cause>" and keeps
// the chain intact for errors.Is. WrapTransient, WrapInvalid and WrapFatal
// additionally attach a class that overrides sentinel-based detection.
//
//	if err := sink.Write(ctx, docs); err != nil {
//	    return errors.WrapTransient(err, "LogProcessor", "Commit", "bulk write")
//	}
package errors
