// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// [Real]; tests inject [Fake] and advance time deterministically.
//
// Every component in Arbor that schedules work — heartbeat tickers,
// reconnect backoff timers, task idle timeouts, rate-limit windows —
// takes a Clock instead of calling the time package directly. This is
// what makes the protocol's timing behavior testable without sleeping.
package clock
