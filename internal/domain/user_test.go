package domain

import "testing"

func TestProvisioningTransitions(t *testing.T) {
	all := []ProvisioningStatus{ProvisioningUnprovisioned, ProvisioningPending, ProvisioningCompleted, ProvisioningError}
	allowed := map[[2]ProvisioningStatus]bool{
		{ProvisioningUnprovisioned, ProvisioningPending}: true,
		{ProvisioningPending, ProvisioningCompleted}:     true,
		{ProvisioningPending, ProvisioningError}:         true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransition(to); got != allowed[[2]ProvisioningStatus{from, to}] {
				t.Fatalf("%s -> %s: expected %v", from, to, !got)
			}
			if prev, ok := to.RequiredPrevious(); ok && from.CanTransition(to) && prev != from {
				t.Fatalf("%s requires %s, transition table allows %s", to, prev, from)
			}
		}
	}
	if !ProvisioningCompleted.Terminal() || !ProvisioningError.Terminal() || ProvisioningPending.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
	if ProvisioningStatus("archived").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}
