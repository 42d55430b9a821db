package extract

import (
	"reflect"
	"testing"
)

func TestMergeItemsUnionsValuesAndSources(t *testing.T) {
	items := []Item{
		{Fields: map[string]any{"name": "Acme", "city": nil}, Sources: []string{"https://a.example/1"}},
		{Fields: map[string]any{"name": "acme ", "city": "Oslo"}, Sources: []string{"https://a.example/2"}},
		{Fields: map[string]any{"name": "Other"}, Sources: []string{"https://a.example/3"}},
	}

	out := MergeItems(items, []string{"name"})
	if len(out) != 2 {
		t.Fatalf("expected 2 items after merge, got %d", len(out))
	}
	merged := out[0]
	if merged.Fields["name"] != "Acme" {
		t.Fatalf("first-seen value should survive, got %v", merged.Fields["name"])
	}
	if merged.Fields["city"] != "Oslo" {
		t.Fatalf("nil field should adopt the duplicate's value, got %v", merged.Fields["city"])
	}
	want := []string{"https://a.example/1", "https://a.example/2"}
	if !reflect.DeepEqual(merged.Sources, want) {
		t.Fatalf("sources = %v, want %v", merged.Sources, want)
	}
	if out[1].Fields["name"] != "Other" {
		t.Fatalf("order of first appearance lost: %v", out[1].Fields)
	}
}

func TestMergeItemsNoKeysPassthrough(t *testing.T) {
	items := []Item{
		{Fields: map[string]any{"name": "A"}},
		{Fields: map[string]any{"name": "A"}},
	}
	out := MergeItems(items, nil)
	if len(out) != 2 {
		t.Fatalf("no identity keys means no merging, got %d items", len(out))
	}
}

func TestMergeItemsUnkeyedItemsNeverMerge(t *testing.T) {
	items := []Item{
		{Fields: map[string]any{"price": 10}},
		{Fields: map[string]any{"price": 10}},
	}
	out := MergeItems(items, []string{"name"})
	if len(out) != 2 {
		t.Fatalf("items without populated key fields must not merge, got %d", len(out))
	}
}

func TestIdentityNormalizes(t *testing.T) {
	a := identity(map[string]any{"name": " Acme ", "city": "Oslo"}, []string{"name", "city"})
	b := identity(map[string]any{"city": "oslo", "name": "ACME"}, []string{"city", "name"})
	if a == "" || a != b {
		t.Fatalf("identity not order/case stable: %q vs %q", a, b)
	}
}

func TestUnionStrings(t *testing.T) {
	got := unionStrings([]string{"a", "b"}, []string{"b", "c", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
