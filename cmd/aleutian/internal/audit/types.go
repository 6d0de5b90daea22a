// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit is the tamper-evident, append-only decision trail shared by
// the rollout orchestrator and the bisect engine.
//
// Every appended event becomes a Record whose hash covers the previous
// record's hash, its own index and a canonical JSON encoding of the event.
// Every BatchSize records a Merkle root over the batch is stored as well,
// so a verifier can check both the chain and the batch roots.
package audit

import (
	"context"
	"time"
)

// Event is one decision or state change worth keeping.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Record is a tamper-evident log entry that wraps an Event.
type Record struct {
	Index     int64     `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// RootRecord captures the Merkle root for a batch of record hashes.
type RootRecord struct {
	FromIndex int64     `json:"from_index"`
	ToIndex   int64     `json:"to_index"`
	RootHash  string    `json:"root_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// VerifyReport summarizes chain verification.
type VerifyReport struct {
	OK           bool     `json:"ok"`
	Total        int64    `json:"total"`
	LastIndex    int64    `json:"last_index"`
	LastHash     string   `json:"last_hash"`
	RootsChecked int      `json:"roots_checked"`
	Errors       []string `json:"errors,omitempty"`
}

// Appender accepts events. Each Append is atomic: a record is either
// fully written, with its chain head, or not at all.
type Appender interface {
	Append(ctx context.Context, event Event) (Record, error)
}

// AppenderFunc adapts a function to Appender.
type AppenderFunc func(ctx context.Context, event Event) (Record, error)

// Append implements Appender.
func (f AppenderFunc) Append(ctx context.Context, event Event) (Record, error) {
	return f(ctx, event)
}
