// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// QueueJob is a read-only snapshot of one background job as reported by the
// job-queue introspection API. This core never mutates jobs.
type QueueJob struct {
	Name        string     `json:"name"`
	LocationID  string     `json:"location"`
	CreatedBy   string     `json:"createdBy"`
	SubmittedAt time.Time  `json:"timestamp"`
	ProcessedOn time.Time  `json:"processedOn"`
	Payload     JobPayload `json:"data"`
}

// JobPayload is the payload blob attached to a queue job.
type JobPayload struct {
	LocationID string     `json:"locationId"`
	Context    JobContext `json:"context"`
}

// JobContext identifies the tenant and user a job was submitted for.
type JobContext struct {
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId"`
	IPAddress string `json:"ipAddress"`
}

// AlertEvent is one notification handed to the alert collaborator.
// It is fire-and-forget and never persisted by this core.
type AlertEvent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
