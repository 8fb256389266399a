// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package powerschool

import (
	"context"
	"net/http"
	"strings"

	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/models"
)

// missingQueryMarker appears in the 404 body when the upgraded plugin's
// named query is not installed on the district server.
const missingQueryMarker = "com.visitu.project.student.studentschedulefordate' not found"

// ProbeFixedPlugin detects which schedule plugin variant the district runs
// by issuing the upgraded query with an empty body. A success means the
// fixed plugin is installed; the specific not-found 404 means the legacy
// plugin; anything else is a genuine failure.
func (c *Client) ProbeFixedPlugin(ctx context.Context) (models.PluginCapability, error) {
	err := c.postQuery(ctx, "probe_fixed_plugin", queryScheduleForDate,
		map[string]any{}, pageParams(1, false), nil)
	if err == nil {
		logging.Debug().
			Str("tenant", c.session.TenantDomain).
			Msg("Fixed schedule plugin detected")
		return models.PluginFixed, nil
	}

	if uerr := fetch.AsUpstreamError(err); uerr != nil &&
		uerr.StatusCode == http.StatusNotFound &&
		strings.Contains(uerr.Message, missingQueryMarker) {
		logging.Debug().
			Str("tenant", c.session.TenantDomain).
			Msg("Legacy schedule plugin detected")
		return models.PluginLegacy, nil
	}

	return models.PluginUnknown, err
}
