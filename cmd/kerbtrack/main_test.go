package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/config"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"github.com/spf13/viper"
)

func TestRunInspectWithoutAuthSettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.ApplyDefaults(viper.GetViper())

	path := filepath.Join(t.TempDir(), "mqtt_data.xlsx")
	viper.Set("store.path", path)

	var out bytes.Buffer
	if err := runInspect(context.Background(), &out); err != nil {
		t.Fatalf("unexpected inspect error: %v", err)
	}
	if !strings.Contains(out.String(), "no snapshot at") {
		t.Fatalf("unexpected output for a missing store: %q", out.String())
	}

	backend, err := store.NewXLSXBackend(path)
	if err != nil {
		t.Fatalf("unexpected backend error: %v", err)
	}
	rows := []records.Record{{ID: "7", Address: "1 Hunter St", Message: "dumped couch", Annotation: records.ResolvedAnnotation("graffiti")}}
	if err := backend.Save(context.Background(), rows); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	out.Reset()
	if err := runInspect(context.Background(), &out); err != nil {
		t.Fatalf("unexpected inspect error: %v", err)
	}
	if !strings.Contains(out.String(), "Hunter St") || !strings.Contains(out.String(), "graffiti") {
		t.Fatalf("expected snapshot row in output, got %q", out.String())
	}
}
