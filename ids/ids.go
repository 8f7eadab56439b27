// Package ids generates the request-correlation identifiers returned by the
// HTTP surface and the collision-event identifiers used by the CAS engine.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package ids

import "github.com/google/uuid"

// NewCorrelationID tags one inbound request; the HTTP handler returns it in
// the X-Correlation-Id response header. It is not passed on to HSS calls or
// written into log lines.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewCollisionID tags one IMPU-collision event so the engine, the metrics
// counter, and the log line agree on which event they refer to.
func NewCollisionID() string {
	return uuid.NewString()
}
