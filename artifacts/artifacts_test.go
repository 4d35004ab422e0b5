package artifacts_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
)

func TestContentIDIgnoresMapOrder(t *testing.T) {
	a := artifacts.Files{}
	b := artifacts.Files{}
	paths := []string{"z.txt", "a.txt", "m/n.txt", "b/c/d.txt"}
	for _, p := range paths {
		a[p] = []byte(p)
	}
	for i := len(paths) - 1; i >= 0; i-- {
		b[paths[i]] = []byte(paths[i])
	}

	idA, err := artifacts.ContentID("build", a)
	if err != nil {
		t.Fatalf("ContentID: %v", err)
	}
	idB, err := artifacts.ContentID("build", b)
	if err != nil {
		t.Fatalf("ContentID: %v", err)
	}
	if idA != idB {
		t.Errorf("ContentID differs for equal file sets: %s vs %s", idA, idB)
	}
	if len(idA) != 64 {
		t.Errorf("len(ContentID) = %d, want 64 hex chars", len(idA))
	}
}

func TestContentIDSeparatesPathAndContent(t *testing.T) {
	a, err := artifacts.ContentID("build", artifacts.Files{"ab": []byte("c")})
	if err != nil {
		t.Fatalf("ContentID: %v", err)
	}
	b, err := artifacts.ContentID("build", artifacts.Files{"a": []byte("bc")})
	if err != nil {
		t.Fatalf("ContentID: %v", err)
	}
	if a == b {
		t.Error("path/content boundary is not part of the hash")
	}
}

func TestEncodeDecodeFiles(t *testing.T) {
	files := artifacts.Files{
		"scripts/start.sh": []byte("echo hi"),
		"appspec.yml":      []byte("version: 0.0"),
	}
	data, err := artifacts.EncodeFiles(files)
	if err != nil {
		t.Fatalf("EncodeFiles: %v", err)
	}
	again, err := artifacts.EncodeFiles(files)
	if err != nil {
		t.Fatalf("EncodeFiles: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("encoding is not deterministic")
	}

	got, err := artifacts.DecodeFiles(data)
	if err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	if string(got["appspec.yml"]) != "version: 0.0" {
		t.Errorf("appspec.yml = %q", got["appspec.yml"])
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("release pipeline "), 512)
	packed := artifacts.Compress(data)
	if len(packed) >= len(data) {
		t.Errorf("compressed size %d not smaller than %d", len(packed), len(data))
	}
	got, err := artifacts.Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip changed data")
	}
}

func TestLayoutSelect(t *testing.T) {
	files := artifacts.Files{
		"appspec.yml":          []byte("x"),
		"scripts/start.sh":     []byte("x"),
		"scripts/lib/util.sh":  []byte("x"),
		"src/index.js":         []byte("x"),
		"src/components/a.js":  []byte("x"),
		"node_modules/left.js": []byte("x"),
	}
	layout := artifacts.Layout{Patterns: []string{"scripts/*", "appspec.yml", "src/**/*"}}

	got, err := layout.Select(files)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []string{"appspec.yml", "scripts/start.sh", "src/index.js", "src/components/a.js"}
	if len(got) != len(want) {
		t.Fatalf("Select returned %d files, want %d: %v", len(got), len(want), got)
	}
	for _, p := range want {
		if _, ok := got[p]; !ok {
			t.Errorf("missing %s", p)
		}
	}
	if _, ok := got["scripts/lib/util.sh"]; ok {
		t.Error("scripts/* matched a nested file")
	}
}

func TestLayoutSelectMissing(t *testing.T) {
	files := artifacts.Files{"src/index.js": []byte("x")}
	layout := artifacts.Layout{Patterns: []string{"appspec.yml", "src/**/*"}}

	_, err := layout.Select(files)
	if !errors.Is(err, artifacts.ErrLayoutViolation) {
		t.Fatalf("Select: got %v, want ErrLayoutViolation", err)
	}
}

func TestLayoutSelectInvalidPattern(t *testing.T) {
	_, err := artifacts.Layout{Patterns: []string{"src/["}}.Select(artifacts.Files{"src/a": nil})
	if !errors.Is(err, artifacts.ErrLayoutViolation) {
		t.Fatalf("Select: got %v, want ErrLayoutViolation", err)
	}
}
