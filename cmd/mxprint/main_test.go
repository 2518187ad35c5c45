package main

import (
	"bytes"
	"go/format"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/mxprint/internal/ble"
)

func TestUnseenReportsNewDeviceAnywhereInList(t *testing.T) {
	seen := make(map[string]bool)

	first := []ble.Device{{ID: "AA", Name: "MX10", RSSI: -50}}
	if got := unseen(seen, first); len(got) != 1 || got[0].ID != "AA" {
		t.Fatalf("unseen(first) = %+v, want [AA]", got)
	}

	// A stronger printer sorts ahead of the one already reported.
	second := []ble.Device{
		{ID: "BB", Name: "MX06", RSSI: -40},
		{ID: "AA", Name: "MX10", RSSI: -50},
	}
	got := unseen(seen, second)
	if len(got) != 1 || got[0].ID != "BB" {
		t.Fatalf("unseen(second) = %+v, want [BB]", got)
	}

	if got := unseen(seen, second); len(got) != 0 {
		t.Errorf("unseen(repeat) = %+v, want none", got)
	}
}

func TestSourcesAreFormatted(t *testing.T) {
	root := filepath.Join("..", "..")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root && strings.HasPrefix(d.Name(), "_") {
			return filepath.SkipDir
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		formatted, err := format.Source(src)
		if err != nil {
			return err
		}
		if !bytes.Equal(src, formatted) {
			t.Errorf("%s is not gofmt-formatted", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
