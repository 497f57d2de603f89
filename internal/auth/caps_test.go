package auth

import "testing"

func TestWheelSatisfiesEverything(t *testing.T) {
	for bit := CapRegistered; bit <= CapWheel; bit <<= 1 {
		if !CapWheel.Has(bit) {
			t.Fatalf("wheel does not satisfy %#x", bit)
		}
	}
	if !CapWheel.Has(CapAll) {
		t.Fatal("wheel does not satisfy the full mask")
	}
}

func TestHasRequiresEveryBit(t *testing.T) {
	mask := CapRegistered | CapVisibleUser
	if !mask.Has(CapRegistered) {
		t.Fatal("mask should satisfy its own bit")
	}
	if mask.Has(CapRegistered | CapReset) {
		t.Fatal("mask satisfied a want containing a missing bit")
	}
	if !mask.Has(CapNone) {
		t.Fatal("every mask should satisfy CapNone")
	}
}

func TestImmunity(t *testing.T) {
	mod := CapRegistered | CapVisibleMod | CapReset
	dev := CapRegistered | CapVisibleDev

	// Partial overlap: each holds a bit the other lacks.
	if !Immune(mod, dev) {
		t.Fatal("dev should be immune to mod")
	}
	if !Immune(dev, mod) {
		t.Fatal("mod should be immune to dev")
	}

	// A strict superset may act on the subset.
	if Immune(mod, CapRegistered) {
		t.Fatal("subset should not be immune to superset")
	}

	// Wheel overrides immunity entirely.
	if Immune(CapWheel, CapAll) {
		t.Fatal("nothing is immune to wheel")
	}
	// But holding wheel makes the target immune to everyone else.
	if !Immune(CapAll, CapWheel) {
		t.Fatal("wheel holder should be immune to non-wheel actors")
	}
}

func TestLegacyRank(t *testing.T) {
	cases := []struct {
		caps Capability
		want LegacyRank
	}{
		{CapNone, RankAnonymous},
		{CapRegistered, RankAnonymous},
		{CapRegistered | CapVisibleUser, RankRegistered},
		{CapRegistered | CapVisibleUser | CapVisibleMod, RankModerator},
		{CapRegistered | CapVisibleDev, RankDeveloper},
		{CapRegistered | CapVisibleMod | CapVisibleAdmin, RankAdministrator},
	}
	for _, tc := range cases {
		if got := tc.caps.Rank(); got != tc.want {
			t.Errorf("caps %#x: rank %d, want %d", tc.caps, got, tc.want)
		}
	}
}
