// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Arbor
// binaries. It centralizes the raw stderr reporting that happens
// before the structured logger exists, so everything after startup
// goes through slog.
package process
