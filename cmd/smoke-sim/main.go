package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"haccare.org/internal/sim"
	"haccare.org/internal/tenant"
)

// Runs the full session lifecycle against the in-process engine and checks
// its invariants. Useful as a quick regression probe without a database.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := tenant.NewInMemory()
	org := tenant.Tenant{Name: "Smoke College", Kind: tenant.KindOrganization}
	if err := dir.Create(ctx, &org); err != nil {
		log.Fatalf("create organization: %v", err)
	}
	svc := sim.NewInMemory(dir, dir)

	tpl, err := svc.CreateTemplate(ctx, org.ID, "Smoke Ward", "", 2*time.Hour)
	if err != nil {
		log.Fatalf("create template: %v", err)
	}
	if err := svc.SeedRows(ctx, tpl.TenantID, "patients", []sim.Row{
		{"id": "pat-1", "name": "R. Alvarez"},
	}); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	// Launching before capture must fail fast.
	if _, err := svc.Launch(ctx, sim.LaunchRequest{TemplateID: tpl.ID, Name: "early"}); !errors.Is(err, sim.ErrNoSnapshot) {
		log.Fatalf("expected ErrNoSnapshot before capture, got %v", err)
	}

	doc, err := svc.CaptureSnapshot(ctx, tpl.ID)
	if err != nil {
		log.Fatalf("capture: %v", err)
	}
	if doc.RowCount() != 1 {
		log.Fatalf("unexpected snapshot row count: %d", doc.RowCount())
	}

	sess, err := svc.Launch(ctx, sim.LaunchRequest{
		TemplateID: tpl.ID,
		Name:       "Section A",
		Participants: []sim.ParticipantSpec{
			{PrincipalID: "student-1", Role: tenant.RoleStudent},
		},
	})
	if err != nil {
		log.Fatalf("launch: %v", err)
	}

	// Patient identifiers must survive launch; printed labels depend on them.
	rows, err := svc.ListRows(ctx, sess.TenantID, "patients")
	if err != nil || len(rows) != 1 || sim.RowID(rows[0]) != "pat-1" {
		log.Fatalf("baseline not materialized with original ids: rows=%v err=%v", rows, err)
	}

	if err := svc.SeedRows(ctx, sess.TenantID, "patient_vitals", []sim.Row{
		{"author_name": "J. Doe", "pulse": 72},
	}); err != nil {
		log.Fatalf("chart vitals: %v", err)
	}

	summary, err := svc.Reset(ctx, sess.ID, sim.ResetPreserving)
	if err != nil {
		log.Fatalf("reset: %v", err)
	}
	if summary.AuthoredDeleted != 1 {
		log.Fatalf("expected 1 authored row deleted, got %d", summary.AuthoredDeleted)
	}
	rows, _ = svc.ListRows(ctx, sess.TenantID, "patients")
	if len(rows) != 1 || sim.RowID(rows[0]) != "pat-1" {
		log.Fatalf("preserving reset changed patient ids: %v", rows)
	}

	rec, err := svc.Complete(ctx, sess.ID, nil)
	if err != nil {
		log.Fatalf("complete: %v", err)
	}
	if _, err := svc.Complete(ctx, sess.ID, nil); !errors.Is(err, sim.ErrAlreadyCompleted) {
		log.Fatalf("expected ErrAlreadyCompleted on second completion, got %v", err)
	}

	retired, err := dir.Get(ctx, sess.TenantID)
	if err != nil || retired.Kind != tenant.KindArchivedSession {
		log.Fatalf("session tenant not retired: %+v err=%v", retired, err)
	}

	fmt.Printf("smoke passed: session=%s history=%s\n", sess.ID, rec.ID)
}
