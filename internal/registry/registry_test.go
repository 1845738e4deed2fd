package registry_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/refineryhq/refinery/internal/registry"
)

func TestDefaultCategoriesHaveRegressionSuites(t *testing.T) {
	reg := registry.Default()
	for _, cat := range reg.Categories() {
		cs, err := reg.SuitesFor(cat)
		if err != nil {
			t.Fatalf("SuitesFor(%q): %v", cat, err)
		}
		if len(cs.Suites) == 0 {
			t.Fatalf("category %q has no regression suites", cat)
		}
		if len(cs.Benchmarks) == 0 {
			t.Fatalf("category %q has no benchmarks", cat)
		}
	}
}

func TestSuitesForUnknownCategory(t *testing.T) {
	_, err := registry.Default().SuitesFor("hardware")
	if !errors.Is(err, registry.ErrNoRegressionSuites) {
		t.Fatalf("expected ErrNoRegressionSuites, got %v", err)
	}
}

func TestLoadFileOverride(t *testing.T) {
	doc := `{
	  "skill": {
	    "benchmarks": [{"id": "b1", "name": "B1", "minimum": 0.5}],
	    "regressionSuites": [{"id": "r1", "name": "R1", "cases": [
	      {"id": "r1.c1", "name": "has heading", "check": "contains", "pattern": "#"}
	    ]}]
	  }
	}`
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry file: %v", err)
	}

	reg, err := registry.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cs, err := reg.SuitesFor("skill")
	if err != nil {
		t.Fatalf("SuitesFor: %v", err)
	}
	if len(cs.Benchmarks) != 1 || cs.Benchmarks[0].ID != "b1" {
		t.Fatalf("unexpected benchmarks: %+v", cs.Benchmarks)
	}
	if len(cs.Suites) != 1 || cs.Suites[0].Cases[0].Check != registry.CheckContains {
		t.Fatalf("unexpected suites: %+v", cs.Suites)
	}
}

func TestLoadFileRejectsSuitelessCategory(t *testing.T) {
	doc := `{"skill": {"benchmarks": [{"id": "b1", "name": "B1", "minimum": 0.5}], "regressionSuites": []}}`
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry file: %v", err)
	}
	_, err := registry.LoadFile(path)
	if !errors.Is(err, registry.ErrNoRegressionSuites) {
		t.Fatalf("expected ErrNoRegressionSuites, got %v", err)
	}
}
