// Package storetest provides contract tests for [artifacts.Store]
// implementations.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/models"
)

// Factory creates a fresh [artifacts.Store] for each test invocation.
type Factory func(t *testing.T) artifacts.Store

func sampleFiles() artifacts.Files {
	return artifacts.Files{
		"appspec.yml":        []byte("version: 0.0\n"),
		"scripts/start.sh":   []byte("#!/bin/sh\necho start\n"),
		"src/app/main.js":    []byte("console.log('hi')\n"),
		"src/app/empty.txt":  {},
		"src/static/app.css": []byte("body{}"),
	}
}

// Run exercises the [artifacts.Store] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishAndFetch", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		files := sampleFiles()

		pub, err := store.Publish(ctx, "exec-1", "build", files)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if pub.Ref.StageID != "build" {
			t.Errorf("Ref.StageID = %q, want %q", pub.Ref.StageID, "build")
		}
		if pub.Ref.ID == "" {
			t.Fatal("Ref.ID is empty")
		}
		if pub.ExecutionID != "exec-1" {
			t.Errorf("ExecutionID = %q, want %q", pub.ExecutionID, "exec-1")
		}

		got, err := store.Fetch(ctx, pub.Ref)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(got) != len(files) {
			t.Fatalf("Fetch: got %d files, want %d", len(got), len(files))
		}
		for path, want := range files {
			if !bytes.Equal(got[path], want) {
				t.Errorf("file %s = %q, want %q", path, got[path], want)
			}
		}
	})

	t.Run("SameContentSameRef", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		first, err := store.Publish(ctx, "exec-1", "build", sampleFiles())
		if err != nil {
			t.Fatalf("first Publish: %v", err)
		}
		second, err := store.Publish(ctx, "exec-2", "build", sampleFiles())
		if err != nil {
			t.Fatalf("second Publish: %v", err)
		}
		if first.Ref != second.Ref {
			t.Errorf("refs differ: %v vs %v", first.Ref, second.Ref)
		}
		if first.Reused {
			t.Error("first publish reported Reused")
		}
		if !second.Reused {
			t.Error("second publish did not report Reused")
		}
		if second.Sequence <= first.Sequence {
			t.Errorf("Sequence = %d, want > %d", second.Sequence, first.Sequence)
		}
	})

	t.Run("DifferentStageDifferentRef", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		a, err := store.Publish(ctx, "exec-1", "source", sampleFiles())
		if err != nil {
			t.Fatalf("Publish source: %v", err)
		}
		b, err := store.Publish(ctx, "exec-1", "build", sampleFiles())
		if err != nil {
			t.Fatalf("Publish build: %v", err)
		}
		if a.Ref.ID == b.Ref.ID {
			t.Error("identical content under different stages produced the same id")
		}
	})

	t.Run("DifferentContentDifferentRef", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		a, err := store.Publish(ctx, "exec-1", "build", sampleFiles())
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		changed := sampleFiles()
		changed["scripts/start.sh"] = []byte("#!/bin/sh\necho changed\n")
		b, err := store.Publish(ctx, "exec-2", "build", changed)
		if err != nil {
			t.Fatalf("Publish changed: %v", err)
		}
		if a.Ref == b.Ref {
			t.Error("different content produced the same ref")
		}
		if b.Reused {
			t.Error("changed content reported Reused")
		}
	})

	t.Run("FetchUnknown", func(t *testing.T) {
		store := factory(t)
		_, err := store.Fetch(context.Background(), models.ArtifactRef{ID: "deadbeef", StageID: "build"})
		if !errors.Is(err, artifacts.ErrArtifactNotFound) {
			t.Fatalf("Fetch: got %v, want ErrArtifactNotFound", err)
		}
	})

	t.Run("FetchAfterDelete", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		pub, err := store.Publish(ctx, "exec-1", "build", sampleFiles())
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if err := store.Delete(ctx, pub.Ref); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err = store.Fetch(ctx, pub.Ref)
		if !errors.Is(err, artifacts.ErrArtifactNotFound) {
			t.Fatalf("Fetch after Delete: got %v, want ErrArtifactNotFound", err)
		}
		if err := store.Delete(ctx, pub.Ref); !errors.Is(err, artifacts.ErrArtifactNotFound) {
			t.Fatalf("second Delete: got %v, want ErrArtifactNotFound", err)
		}
	})

	t.Run("FetchedFilesAreCopies", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		files := sampleFiles()
		pub, err := store.Publish(ctx, "exec-1", "build", files)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		files["appspec.yml"][0] = 'X'

		got, err := store.Fetch(ctx, pub.Ref)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		got["appspec.yml"][0] = 'Y'

		again, err := store.Fetch(ctx, pub.Ref)
		if err != nil {
			t.Fatalf("second Fetch: %v", err)
		}
		if string(again["appspec.yml"]) != "version: 0.0\n" {
			t.Errorf("stored content was mutated: %q", again["appspec.yml"])
		}
	})
}
