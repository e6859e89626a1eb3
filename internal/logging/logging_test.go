package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestLogger_DefaultIsNonNil(t *testing.T) {
	SetLogger(nil)
	if Logger() == nil {
		t.Fatal("Logger() returned nil")
	}
}

func TestSetLogger_InstallsCustomLogger(t *testing.T) {
	var buf bytes.Buffer
	custom := slog.New(slog.NewTextHandler(&buf, nil))

	SetLogger(custom)
	defer SetLogger(nil)

	if Logger() != custom {
		t.Fatal("Logger() did not return the installed logger")
	}

	Logger().Info("hello")
	if buf.Len() == 0 {
		t.Error("installed logger received no output")
	}
}

func TestSetLogger_NilResetsToDefault(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	SetLogger(nil)

	Logger().Info("after reset")
	if buf.Len() != 0 {
		t.Error("reset logger still wrote to the previous handler")
	}
}
