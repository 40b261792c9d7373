package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the restaurant section and the log level are applied without a
// restart; other changed sections are listed in RestartRequired.
type ConfigDiff struct {
	RestaurantChanged bool
	Restaurant        RestaurantDiff
	LogLevelChanged   bool
	NewLogLevel       LogLevel

	// RestartRequired names the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// RestaurantDiff describes what changed in the restaurant section.
type RestaurantDiff struct {
	NameChanged           bool
	SystemMessageChanged  bool
	GreetingChanged       bool
	FallbackCallerChanged bool
	MenuSourceChanged     bool

	// Menu item names by change kind.
	ItemsAdded   []string
	ItemsRemoved []string
	ItemsChanged []string
}

// MenuChanged reports whether any menu item was added, removed or modified.
func (d RestaurantDiff) MenuChanged() bool {
	return len(d.ItemsAdded)+len(d.ItemsRemoved)+len(d.ItemsChanged) > 0
}

func (d RestaurantDiff) changed() bool {
	return d.NameChanged || d.SystemMessageChanged || d.GreetingChanged ||
		d.FallbackCallerChanged || d.MenuSourceChanged || d.MenuChanged()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Restaurant = diffRestaurant(&old.Restaurant, &new.Restaurant)
	d.RestaurantChanged = d.Restaurant.changed()

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"audio", old.Audio, new.Audio},
		{"backend", old.Backend, new.Backend},
		{"providers", old.Providers, new.Providers},
		{"vad", old.VAD, new.VAD},
		{"hangup", old.Hangup, new.Hangup},
		{"order", old.Order, new.Order},
		{"square", old.Square, new.Square},
		{"twilio", old.Twilio, new.Twilio},
		{"storage", old.Storage, new.Storage},
		{"archive", old.Archive, new.Archive},
		{"history", old.History, new.History},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}

// diffRestaurant compares two restaurant sections. Menu items are matched
// by name.
func diffRestaurant(old, new *RestaurantConfig) RestaurantDiff {
	rd := RestaurantDiff{
		NameChanged:           old.Name != new.Name,
		SystemMessageChanged:  old.SystemMessage != new.SystemMessage,
		GreetingChanged:       old.Greeting != new.Greeting,
		FallbackCallerChanged: old.FallbackCallerID != new.FallbackCallerID,
		MenuSourceChanged:     old.MenuSource != new.MenuSource,
	}

	oldItems := make(map[string]int, len(old.Menu.Items))
	for i, item := range old.Menu.Items {
		oldItems[item.Name] = i
	}
	newItems := make(map[string]int, len(new.Menu.Items))
	for i, item := range new.Menu.Items {
		newItems[item.Name] = i
		j, ok := oldItems[item.Name]
		switch {
		case !ok:
			rd.ItemsAdded = append(rd.ItemsAdded, item.Name)
		case !reflect.DeepEqual(old.Menu.Items[j], item):
			rd.ItemsChanged = append(rd.ItemsChanged, item.Name)
		}
	}
	for _, item := range old.Menu.Items {
		if _, ok := newItems[item.Name]; !ok {
			rd.ItemsRemoved = append(rd.ItemsRemoved, item.Name)
		}
	}
	return rd
}
