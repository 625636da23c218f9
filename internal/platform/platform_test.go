package platform

import (
	"os/exec"
	"testing"
)

func TestReapProcessGroupNoSuchProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	// The process (and its group) are long gone; ReapProcessGroup must
	// treat that as success rather than surfacing ESRCH.
	if err := ReapProcessGroup(cmd.Process.Pid); err != nil {
		t.Fatalf("ReapProcessGroup: %v", err)
	}
}
