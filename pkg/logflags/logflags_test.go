package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_withFlagFalse(t *testing.T) {
	entry := makeLogger(false, logrus.Fields{"layer": "test"})
	if entry.Logger.Level != logrus.PanicLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.PanicLevel, entry.Logger.Level)
	}
	if len(entry.Data) != 1 || entry.Data["layer"] != "test" {
		t.Fatalf("expected fields to be {'layer':'test'}; but was <%v>", entry.Data)
	}
}

func TestMakeLogger_withFlagTrue(t *testing.T) {
	entry := makeLogger(true, logrus.Fields{"layer": "test"})
	if entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, entry.Logger.Level)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		target = false
		backend = false
		terminal = false
	}()

	if err := Setup(false, "backend"); err == nil {
		t.Fatal("expected an error when --log-output is given without --log")
	}

	if err := Setup(true, "backend,terminal"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Backend() || !Terminal() {
		t.Fatalf("expected backend and terminal logging to be enabled, got backend=%v terminal=%v", Backend(), Terminal())
	}
	if Target() {
		t.Fatal("expected target logging to stay disabled")
	}

	if err := Setup(true, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Target() {
		t.Fatal("expected empty --log-output to default to the target layer")
	}
}
