package usecase

import (
	"context"
	"testing"

	"ai-image-pipeline/internal/domain/model"
)

func TestLibrary_BulkDeleteRemovesRowsAndFiles(t *testing.T) {
	execs := newMemExecRepo()
	images := newMemImageRepo()
	store := newMemStore()
	svc := NewLibraryService(execs, images, store, testLogger())
	ctx := context.Background()

	approved := seedFailedImage(execs, images, store, "img-1")
	approved.MarkApproved("final/map-img-1.png")
	_ = images.Save(ctx, nil, approved)
	store.final["final/map-img-1.png"] = []byte("blob")
	seedFailedImage(execs, images, store, "img-2") // no final file

	deleted, err := svc.BulkDeleteImages(ctx, []string{"img-1", "img-2", "img-missing"})
	if err != nil {
		t.Fatalf("BulkDeleteImages: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
	if _, ok := store.final["final/map-img-1.png"]; ok {
		t.Fatal("final file survived the delete")
	}
	if st, _ := images.Stats(ctx, nil); st.Total != 0 {
		t.Fatalf("rows left = %d, want 0", st.Total)
	}
}

func TestLibrary_BulkDeleteEmptySelection(t *testing.T) {
	svc := NewLibraryService(newMemExecRepo(), newMemImageRepo(), newMemStore(), testLogger())
	deleted, err := svc.BulkDeleteImages(context.Background(), nil)
	if err != nil || deleted != 0 {
		t.Fatalf("got %d/%v, want 0/nil", deleted, err)
	}
}

func TestLibrary_ReconcileSweepsOrphans(t *testing.T) {
	execs := newMemExecRepo()
	images := newMemImageRepo()
	store := newMemStore()
	svc := NewLibraryService(execs, images, store, testLogger())
	ctx := context.Background()

	// A crash left one execution running and one image processing.
	orphanExec := model.NewJobExecution("exec-orphan", testSnapshot(1, 1))
	_ = execs.Save(ctx, nil, orphanExec)
	doneExec := model.NewJobExecution("exec-done", testSnapshot(1, 1))
	doneExec.Finalize(model.ExecutionStatusCompleted, "")
	_ = execs.Save(ctx, nil, doneExec)

	orphanImg := model.NewGeneratedImage("img-orphan", "map-o", orphanExec.ID, "p", nil, model.ProcessingSettings{})
	_ = images.Save(ctx, nil, orphanImg)

	if err := svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	e, _ := execs.FindByID(ctx, nil, orphanExec.ID)
	if e.Status != model.ExecutionStatusFailed {
		t.Fatalf("orphan execution status = %s, want failed", e.Status)
	}
	e, _ = execs.FindByID(ctx, nil, doneExec.ID)
	if e.Status != model.ExecutionStatusCompleted {
		t.Fatalf("completed execution mutated to %s", e.Status)
	}
	img, _ := images.FindByID(ctx, nil, orphanImg.ID)
	if img.QCStatus != model.QCStatusRetryFailed {
		t.Fatalf("orphan image status = %s, want retry_failed", img.QCStatus)
	}
}

func TestLibrary_ImagesByStatusLimit(t *testing.T) {
	execs := newMemExecRepo()
	images := newMemImageRepo()
	store := newMemStore()
	svc := NewLibraryService(execs, images, store, testLogger())

	for _, id := range []string{"a", "b", "c"} {
		seedFailedImage(execs, images, store, id)
	}
	got, err := svc.ImagesByStatus(context.Background(), model.QCStatusFailed, 2)
	if err != nil {
		t.Fatalf("ImagesByStatus: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want the limit of 2", len(got))
	}
}
