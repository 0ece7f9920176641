package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gaia/synergy-engine/internal/catalog"
)

func TestPrintCatalog_Default(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}

	var buf bytes.Buffer
	printCatalog(&buf, cat, time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC))
	out := buf.String()

	for _, want := range []string{
		"clean-water -> seed-splitter",
		"locked: Level 5 in clean-water",
		"1 active",
		"ocean-guardians",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	if _, err := loadCatalog("/nonexistent/catalog.yaml"); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
