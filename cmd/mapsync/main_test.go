package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLayers_JSONAndYAML(t *testing.T) {
	out, err := execute(t, "layers")
	if err != nil {
		t.Fatalf("layers: %v", err)
	}
	var body struct {
		Layers []struct {
			Key string `json:"key"`
		} `json:"layers"`
	}
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(body.Layers) == 0 || body.Layers[0].Key != "parcels" {
		t.Fatalf("layers=%+v", body.Layers)
	}

	out, err = execute(t, "layers", "--yaml")
	if err != nil {
		t.Fatalf("layers --yaml: %v", err)
	}
	if !strings.Contains(out, "key: parcels") {
		t.Fatalf("yaml output missing parcels:\n%s", out)
	}
}

func TestLayers_CustomTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layers.yaml")
	table := `layers:
  - key: parcels
    displayName: Parcels
    geometry: fill
    source: layers/parcels
    defaultVisible: true
`
	if err := os.WriteFile(path, []byte(table), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--layers", path, "layers")
	if err != nil {
		t.Fatalf("layers: %v", err)
	}
	if strings.Count(out, `"key"`) != 1 {
		t.Fatalf("expected a single layer:\n%s", out)
	}

	if _, err := execute(t, "--layers", filepath.Join(t.TempDir(), "missing.yaml"), "layers"); err == nil {
		t.Fatal("expected error for a missing table")
	}
}

func TestClassify(t *testing.T) {
	out, err := execute(t, "classify", "flood", "Zone AE", "X")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	var got []classification
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(got) != 2 || got[0].Code != "AE" || got[0].Hazard == nil || !*got[0].Hazard {
		t.Fatalf("flood=%+v", got)
	}
	if *got[1].Hazard {
		t.Fatal("X is outside the special hazard area")
	}

	if _, err := execute(t, "classify", "soil", "clay"); err == nil {
		t.Fatal("expected error for an unknown kind")
	}
}

func TestParse(t *testing.T) {
	out, err := execute(t, "parse", "show", "flood", "zones")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(out, `"key": "flood"`) || !strings.Contains(out, `"matched": true`) {
		t.Fatalf("unexpected output:\n%s", out)
	}

	out, err = execute(t, "parse", "what", "is", "the", "weather")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if strings.TrimSpace(out) != `{"matched":false}` {
		t.Fatalf("unexpected output: %s", out)
	}
}
