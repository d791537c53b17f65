package tools

import (
	"testing"
)

func TestDefault_Names(t *testing.T) {
	t.Parallel()

	got := Default().Names()
	want := []string{"calendar", "crm", "weather"}
	if len(got) != len(want) {
		t.Fatalf("names: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d]: want %q, got %q", i, want[i], got[i])
		}
	}
}

func TestResolve_DropsUnknown(t *testing.T) {
	t.Parallel()

	defs, unknown := Default().Resolve([]string{"weather", "bogus"})
	if len(defs) != 1 || defs[0].Name != "weather" {
		t.Fatalf("defs: want [weather], got %+v", defs)
	}
	if defs[0].Type != "function" {
		t.Errorf("type: want function, got %q", defs[0].Type)
	}
	if len(unknown) != 1 || unknown[0].Name != "bogus" {
		t.Fatalf("unknown: want [bogus], got %+v", unknown)
	}
}

func TestResolve_PreservesOrderAndDeduplicates(t *testing.T) {
	t.Parallel()

	defs, unknown := Default().Resolve([]string{"crm", "calendar", "crm"})
	if len(unknown) != 0 {
		t.Fatalf("unexpected unknown: %+v", unknown)
	}
	if len(defs) != 2 || defs[0].Name != "crm" || defs[1].Name != "calendar" {
		t.Errorf("defs: want [crm calendar], got %+v", defs)
	}
}

func TestResolve_Suggestion(t *testing.T) {
	t.Parallel()

	_, unknown := Default().Resolve([]string{"wether", "zzzzzz"})
	if len(unknown) != 2 {
		t.Fatalf("want 2 unknown, got %d", len(unknown))
	}
	if unknown[0].Suggestion != "weather" {
		t.Errorf("suggestion for wether: want weather, got %q", unknown[0].Suggestion)
	}
	if unknown[1].Suggestion != "" {
		t.Errorf("suggestion for zzzzzz: want none, got %q", unknown[1].Suggestion)
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	t.Parallel()

	c := Default()
	d, ok := c.Lookup("weather")
	if !ok {
		t.Fatal("weather not found")
	}
	d.Parameters["type"] = "mutated"
	props := d.Parameters["properties"].(map[string]any)
	delete(props, "city")

	again, _ := c.Lookup("weather")
	if again.Parameters["type"] != "object" {
		t.Errorf("catalog mutated through returned definition: %v", again.Parameters["type"])
	}
	if _, ok := again.Parameters["properties"].(map[string]any)["city"]; !ok {
		t.Error("nested schema mutated through returned definition")
	}
}
