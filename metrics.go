// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import "expvar"

// A metricsSet records peer activity counters, published as an expvar map.
type metricsSet struct {
	requestsIn       expvar.Int // number of inbound requests received
	requestsInFailed expvar.Int // number of inbound requests answered with a rejection
	requestsOut      expvar.Int // number of outbound requests issued
	eventsOut        expvar.Int // number of fire-and-forget events sent
	timeouts         expvar.Int // number of outbound requests settled by timeout
	responsesDropped expvar.Int // responses with no matching pending entry
	invalidIn        expvar.Int // envelopes rejected by validation
	sendsFailed      expvar.Int // transport send failures for responses
	callsPending     expvar.Int // outbound, gauge

	emap *expvar.Map
}

var peerMetrics = newPeerMetrics()

func newPeerMetrics() *metricsSet {
	pm := &metricsSet{emap: new(expvar.Map)}
	pm.emap.Set("requests_in", &pm.requestsIn)
	pm.emap.Set("requests_in_failed", &pm.requestsInFailed)
	pm.emap.Set("requests_out", &pm.requestsOut)
	pm.emap.Set("events_out", &pm.eventsOut)
	pm.emap.Set("request_timeouts", &pm.timeouts)
	pm.emap.Set("responses_dropped", &pm.responsesDropped)
	pm.emap.Set("envelopes_invalid", &pm.invalidIn)
	pm.emap.Set("response_sends_failed", &pm.sendsFailed)
	pm.emap.Set("calls_pending", &pm.callsPending)
	return pm
}
