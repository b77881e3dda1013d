// Package bootstrap brings the on-disk CA to a complete state at process start and
// wires the components of a device from its configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-pki/config"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/pki"
)

// Leaf is a leaf certificate required at startup.
type Leaf struct {
	Kind       interfaces.CertificateKind
	CommonName string
}

// LeavesFromConfig parses the configured leaves.
func LeavesFromConfig(cfg *config.Config) ([]Leaf, error) {
	leaves := make([]Leaf, 0, len(cfg.Leaves))
	for _, l := range cfg.Leaves {
		kind, err := interfaces.ParseCertificateKind(l.Kind)
		if err != nil {
			return nil, err
		}
		if kind.IsCA() {
			return nil, fmt.Errorf("%w: %s is not a leaf kind", interfaces.ErrUnknownKind, l.Kind)
		}
		leaves = append(leaves, Leaf{Kind: kind, CommonName: l.CommonName})
	}
	return leaves, nil
}

// Report lists what a run changed.
type Report struct {
	Skipped              bool
	RootCreated          bool
	IntermediatesPurged  int
	IntermediatesCreated []string
	LeavesIssued         []string
}

// Changed reports whether the run wrote anything.
func (r Report) Changed() bool {
	return r.RootCreated || r.IntermediatesPurged > 0 || len(r.IntermediatesCreated) > 0 || len(r.LeavesIssued) > 0
}

func (r Report) String() string {
	if r.Skipped {
		return "skipped"
	}
	if !r.Changed() {
		return "unchanged"
	}
	var parts []string
	if r.RootCreated {
		parts = append(parts, "root created")
	}
	if r.IntermediatesPurged > 0 {
		parts = append(parts, fmt.Sprintf("%d intermediate files purged", r.IntermediatesPurged))
	}
	if len(r.IntermediatesCreated) > 0 {
		parts = append(parts, "intermediates created: "+strings.Join(r.IntermediatesCreated, ","))
	}
	if len(r.LeavesIssued) > 0 {
		parts = append(parts, "leaves issued: "+strings.Join(r.LeavesIssued, ","))
	}
	return strings.Join(parts, "; ")
}

// Orchestrator runs the startup sequence against an Authority.
type Orchestrator struct {
	authority      *pki.Authority
	leaves         []Leaf
	migrationsOnly bool
	log            *slog.Logger
}

// NewOrchestrator creates an orchestrator issuing leaves in order.
func NewOrchestrator(authority *pki.Authority, leaves []Leaf, migrationsOnly bool, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		authority:      authority,
		leaves:         leaves,
		migrationsOnly: migrationsOnly,
		log:            log,
	}
}

// Run creates whatever is missing: the root (purging intermediates signed by a
// previous root), every intermediate slot, then every required leaf that is missing
// or was issued by another intermediate. Existence checks gate every step, so a run
// against a complete directory writes nothing. The first error aborts the run.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	var report Report

	if o.migrationsOnly {
		o.log.Info("Migrations only, skipping certificate bootstrap")
		report.Skipped = true
		return report, nil
	}

	layout := o.authority.Layout()
	if err := layout.EnsureDirs(); err != nil {
		return report, err
	}

	rootExists, err := o.authority.RootExists()
	if err != nil {
		return report, fmt.Errorf("failed to check root: %w", err)
	}
	if !rootExists {
		record, err := o.authority.CreateRoot(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to create root: %w", err)
		}
		report.IntermediatesPurged = record.Purged
		report.RootCreated = true
	}

	for _, slot := range layout.Slots {
		exists, err := o.authority.IntermediateExists(slot)
		if err != nil {
			return report, fmt.Errorf("failed to check %s: %w", slot, err)
		}
		if exists {
			continue
		}
		if _, err := o.authority.CreateIntermediate(ctx, slot); err != nil {
			return report, fmt.Errorf("failed to create %s: %w", slot, err)
		}
		report.IntermediatesCreated = append(report.IntermediatesCreated, slot)
	}

	for _, leaf := range o.leaves {
		state, err := o.authority.LeafState(leaf.Kind)
		if err != nil {
			return report, err
		}
		if state == pki.LeafCurrent {
			continue
		}
		o.log.Info("Issuing leaf certificate",
			slog.String("kind", leaf.Kind.String()),
			slog.String("state", state.String()))
		if _, err := o.authority.IssueLeaf(ctx, leaf.Kind, leaf.CommonName); err != nil {
			return report, fmt.Errorf("failed to issue %s: %w", leaf.Kind, err)
		}
		report.LeavesIssued = append(report.LeavesIssued, leaf.Kind.String())
	}

	o.log.Info("Certificate bootstrap complete", slog.String("result", report.String()))
	return report, nil
}
