// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Command dashboard is a terminal client for a running blackbox server.
package main

import "github.com/relabs-tech/autorec_blackbox/internal/cmd"

func main() {
	cmd.ExecuteDashboard()
}
