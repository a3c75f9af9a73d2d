package catalog_test

import (
	"testing"

	"github.com/tonefield/jamroom/internal/catalog"
	"github.com/tonefield/jamroom/pkg/instrument"
)

func mustCatalog(t *testing.T, names ...string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(instrument.CategorySynth, names)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		category instrument.Category
		names    []string
	}{
		{"invalid category", instrument.Category("theremin"), []string{"a"}},
		{"empty list", instrument.CategorySynth, nil},
		{"duplicate entry", instrument.CategorySynth, []string{"warm_pad", "warm_pad"}},
		{"empty entry", instrument.CategorySynth, []string{"warm_pad", ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := catalog.New(tc.category, tc.names); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}

func TestPositionAndContains(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead", "glass_keys")

	pos, ok := c.Position("acid_lead")
	if !ok || pos != 1 {
		t.Errorf("Position(acid_lead) = %d, %v, want 1, true", pos, ok)
	}
	if _, ok := c.Position("missing"); ok {
		t.Error("Position(missing) reported ok")
	}
	if !c.Contains("glass_keys") {
		t.Error("Contains(glass_keys) = false")
	}
	if c.Contains("") {
		t.Error("Contains(\"\") = true")
	}
}

func TestNamesReturnsCopy(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead")

	names := c.Names()
	names[0] = "clobbered"
	if got := c.Names()[0]; got != "warm_pad" {
		t.Errorf("Names()[0] = %q after mutation, want %q", got, "warm_pad")
	}
}

func TestNextAfterScansForward(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead", "glass_keys", "pulse_bass")

	got, ok := c.NextAfter("acid_lead", nil)
	if !ok || got != "glass_keys" {
		t.Errorf("NextAfter(acid_lead) = %q, %v, want %q, true", got, ok, "glass_keys")
	}
}

func TestNextAfterWrapsOnce(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead", "glass_keys")

	got, ok := c.NextAfter("glass_keys", nil)
	if !ok || got != "warm_pad" {
		t.Errorf("NextAfter(glass_keys) = %q, %v, want %q, true", got, ok, "warm_pad")
	}
}

func TestNextAfterSkipsFailed(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead", "glass_keys")

	failed := map[string]bool{"glass_keys": true}
	skip := func(name string) bool { return failed[name] }

	got, ok := c.NextAfter("acid_lead", skip)
	if !ok || got != "warm_pad" {
		t.Errorf("NextAfter(acid_lead, skip glass_keys) = %q, %v, want %q, true", got, ok, "warm_pad")
	}
}

func TestNextAfterExhausted(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead")

	skip := func(string) bool { return true }
	if got, ok := c.NextAfter("warm_pad", skip); ok {
		t.Errorf("NextAfter with all skipped = %q, want ok=false", got)
	}
}

func TestNextAfterUnknownNameStartsAtHead(t *testing.T) {
	t.Parallel()
	c := mustCatalog(t, "warm_pad", "acid_lead", "glass_keys")

	got, ok := c.NextAfter("not_in_catalog", nil)
	if !ok || got != "warm_pad" {
		t.Errorf("NextAfter(unknown) = %q, %v, want %q, true", got, ok, "warm_pad")
	}
}

func TestNewSetDefaults(t *testing.T) {
	t.Parallel()

	set, err := catalog.NewSet(nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	for _, cat := range instrument.Categories() {
		c, ok := set.Get(cat)
		if !ok {
			t.Fatalf("Get(%s): missing catalog", cat)
		}
		if c.Len() == 0 {
			t.Errorf("default %s catalog is empty", cat)
		}
	}

	if !set.Contains(instrument.CategorySynth, "warm_pad") {
		t.Error("default synth catalog missing warm_pad")
	}
	if !set.Contains(instrument.CategorySampler, "grand_piano") {
		t.Error("default sampler catalog missing grand_piano")
	}
	if !set.Contains(instrument.CategoryDrums, "tr_808") {
		t.Error("default drums catalog missing tr_808")
	}
}

func TestNewSetOverrides(t *testing.T) {
	t.Parallel()

	set, err := catalog.NewSet(map[instrument.Category][]string{
		instrument.CategorySynth: {"glass_keys", "warm_pad"},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	c, _ := set.Get(instrument.CategorySynth)
	if got := c.Len(); got != 2 {
		t.Errorf("overridden synth catalog length = %d, want 2", got)
	}
	if pos, _ := c.Position("glass_keys"); pos != 0 {
		t.Errorf("override order not preserved, glass_keys at %d", pos)
	}

	// Categories without an override keep defaults.
	if !set.Contains(instrument.CategoryDrums, "standard_kit") {
		t.Error("drums catalog lost its defaults")
	}
}

func TestNewSetRejectsBadOverride(t *testing.T) {
	t.Parallel()

	_, err := catalog.NewSet(map[instrument.Category][]string{
		instrument.CategoryDrums: {"tr_808", "tr_808"},
	})
	if err == nil {
		t.Error("NewSet accepted duplicate override entries")
	}
}
