package menu

import (
	"context"
	"testing"
)

func testMenu() Menu {
	return Menu{Items: []Item{
		{ID: "I1", Name: "Wonton Soup", Variations: []Variation{
			{ID: "V1", Name: "Small", Price: 6.5},
			{ID: "V2", Name: "Large", Price: 9},
		}},
		{ID: "I2", Name: "Fried Rice", Price: 8},
	}}
}

func TestPromptBlock(t *testing.T) {
	t.Parallel()
	want := "\n\nMENU ITEMS:\n" +
		"Wonton Soup (Small): $6.50\n" +
		"Wonton Soup (Large): $9\n" +
		"Fried Rice: $8\n"
	if got := testMenu().PromptBlock(); got != want {
		t.Errorf("PromptBlock =\n%q\nwant\n%q", got, want)
	}
	if got := (Menu{}).Instructions("Be nice."); got != "Be nice." {
		t.Errorf("empty menu Instructions = %q", got)
	}
}

func TestSMSText(t *testing.T) {
	t.Parallel()
	want := "KK Restaurant Menu:\n\n" +
		"1. Wonton Soup\n" +
		"   a. Small - $6.50\n" +
		"   b. Large - $9.00\n" +
		"\n" +
		"2. Fried Rice\n" +
		"\n" +
		"To order, simply say the item number and quantity.\n" +
		"Thank you for choosing KK Restaurant!"
	if got := testMenu().SMSText("KK Restaurant"); got != want {
		t.Errorf("SMSText =\n%s\nwant\n%s", got, want)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()
	m, err := Static(testMenu()).Menu(context.Background())
	if err != nil || len(m.Items) != 2 {
		t.Fatalf("Static.Menu = %d items, %v", len(m.Items), err)
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()
	r := NewResolver(testMenu())

	tests := []struct {
		name, item, variation string
		wantOK                bool
		wantItem, wantVar     string
	}{
		{"exact", "Wonton Soup", "Large", true, "I1", "V2"},
		{"case insensitive", "fried rice", "", true, "I2", "I2"},
		{"misheard item", "wonton soop", "small", true, "I1", "V1"},
		{"unknown variation uses first", "Wonton Soup", "medium", true, "I1", "V1"},
		{"no variation given", "Wonton Soup", "", true, "I1", "V1"},
		{"unknown item", "pizza", "", false, "", ""},
		{"empty", "", "", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, v, ok := r.Resolve(tt.item, tt.variation)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if item.ID != tt.wantItem || v.ID != tt.wantVar {
				t.Errorf("resolved %s/%s, want %s/%s", item.ID, v.ID, tt.wantItem, tt.wantVar)
			}
		})
	}
}

func TestResolver_ItemWithoutVariations(t *testing.T) {
	t.Parallel()
	_, v, ok := NewResolver(testMenu()).Resolve("Fried Rice", "Large")
	if !ok {
		t.Fatal("expected match")
	}
	if v.Name != DefaultVariation || v.Price != 8 {
		t.Errorf("variation = %+v, want Regular at 8", v)
	}
}
