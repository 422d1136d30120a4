// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !windows

package main

import (
	"github.com/go-logr/logr"

	"github.com/checkmark/agent/pkg/perfquery"
)

// newProvider falls back to gopsutil where PDH is unavailable.
func newProvider(logger logr.Logger) perfquery.Provider {
	return perfquery.NewGopsutilProvider(logger)
}
