// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelease/cmd/aleutian/internal/archive"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit trail",
		Long: `Every rollout decision and bisect verdict is appended to a hash-chained
audit trail. Batches of records are sealed under Merkle roots so that
tampering with any stored record is detected by "audit verify".`,
	}
	cmd.AddCommand(newAuditVerifyCmd(a), newAuditExportCmd(a))
	return cmd
}

func newAuditVerifyCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and Merkle roots",
		Long: `Recompute every record hash and every sealed Merkle root.

Exit codes:
  0  trail intact
  1  tampering or corruption detected
  2  error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStores(ctx); err != nil {
				return err
			}
			rep, err := a.trail.Verify(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(a.out, rep); err != nil {
					return err
				}
			} else {
				renderVerify(a.printer, rep)
			}
			if !rep.OK {
				return withExitCode(exitFinding, nil)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func newAuditExportCmd(a *app) *cobra.Command {
	var (
		out       string
		toArchive bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the audit trail as JSON lines",
		Example: `  aleutian audit export > trail.jsonl
  aleutian audit export --out trail.jsonl
  aleutian audit export --archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStores(ctx); err != nil {
				return err
			}
			if toArchive {
				return a.archiveAudit(ctx)
			}
			if out == "" {
				_, err := a.trail.Export(ctx, a.out)
				return err
			}

			f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			n, err := a.trail.Export(ctx, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("exported %d records to %s", n, out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")
	cmd.Flags().BoolVar(&toArchive, "archive", false, "Write to the configured archive")
	cmd.MarkFlagsMutuallyExclusive("out", "archive")
	return cmd
}

func (a *app) archiveAudit(ctx context.Context) error {
	arc, err := a.archiver(ctx)
	if err != nil {
		return err
	}
	if arc == nil {
		return fmt.Errorf("archive.type is none; set it to dir or gcs")
	}
	name := "trail-" + time.Now().UTC().Format("20060102T150405Z")
	uri, n, err := archive.Audit(ctx, arc, a.trail, name)
	if err != nil {
		return err
	}
	a.printer.Success(fmt.Sprintf("archived %d records to %s", n, uri))
	return nil
}
