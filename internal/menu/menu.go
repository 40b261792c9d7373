// Package menu holds the restaurant menu the voice agent sells from: the
// catalog model, its renderings for the agent prompt and the SMS menu, and a
// fuzzy resolver that maps spoken item names back to catalog entries.
package menu

import (
	"context"
	"fmt"
	"strings"
)

// DefaultVariation is the variation name assumed when a caller names none.
const DefaultVariation = "Regular"

// Variation is one orderable size or option of an item.
type Variation struct {
	ID    string  `yaml:"id"    json:"id,omitempty"`
	Name  string  `yaml:"name"  json:"name"`
	Price float64 `yaml:"price" json:"price"`
}

// Item is one catalog entry. Items without variations carry their own Price.
type Item struct {
	ID          string      `yaml:"id"          json:"id,omitempty"`
	Name        string      `yaml:"name"        json:"name"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Price       float64     `yaml:"price"       json:"price,omitempty"`
	Variations  []Variation `yaml:"variations"  json:"variations,omitempty"`
}

// Menu is an ordered list of items.
type Menu struct {
	Items []Item `yaml:"items" json:"items"`
}

// Source loads the current menu.
type Source interface {
	Menu(ctx context.Context) (Menu, error)
}

// Static is a Source that always returns the same menu.
type Static Menu

// Menu implements Source.
func (s Static) Menu(context.Context) (Menu, error) { return Menu(s), nil }

// Empty reports whether the menu has no items.
func (m Menu) Empty() bool { return len(m.Items) == 0 }

// PromptBlock renders the menu for the agent instructions. It returns "" for
// an empty menu so the system message is used unchanged.
func (m Menu) PromptBlock() string {
	if m.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nMENU ITEMS:\n")
	for _, it := range m.Items {
		if len(it.Variations) == 0 {
			fmt.Fprintf(&b, "%s: $%s\n", it.Name, formatPrice(it.Price))
			continue
		}
		for _, v := range it.Variations {
			fmt.Fprintf(&b, "%s (%s): $%s\n", it.Name, v.Name, formatPrice(v.Price))
		}
	}
	return b.String()
}

// Instructions appends the menu block to a system message.
func (m Menu) Instructions(systemMessage string) string {
	return systemMessage + m.PromptBlock()
}

// SMSText renders the numbered menu texted to callers.
func (m Menu) SMSText(restaurant string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Menu:\n\n", restaurant)
	for i, it := range m.Items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it.Name)
		for j, v := range it.Variations {
			name := v.Name
			if name == "" {
				name = DefaultVariation
			}
			fmt.Fprintf(&b, "   %c. %s - $%.2f\n", 'a'+j, name, v.Price)
		}
		b.WriteString("\n")
	}
	b.WriteString("To order, simply say the item number and quantity.\n")
	fmt.Fprintf(&b, "Thank you for choosing %s!", restaurant)
	return b.String()
}

// formatPrice prints whole amounts without decimals and others with two,
// matching how prices are read back to callers.
func formatPrice(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d", int64(p))
	}
	return fmt.Sprintf("%.2f", p)
}
