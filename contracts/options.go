package contracts

import "strings"

// MessageOption is a set of named delivery flags
type MessageOption uint32

const (
	// OptionNone requests the default durable delivery path
	OptionNone MessageOption = 0

	// OptionNotifyOneWay sends one-way responses over the transient notify path
	// instead of publishing them to a durable queue
	OptionNotifyOneWay MessageOption = 1 << 0
)

var optionNames = []struct {
	flag MessageOption
	name string
}{
	{OptionNotifyOneWay, "NotifyOneWay"},
}

// Has reports whether all flags in other are set
func (o MessageOption) Has(other MessageOption) bool {
	return other != OptionNone && o&other == other
}

// With returns the set with other added
func (o MessageOption) With(other MessageOption) MessageOption {
	return o | other
}

// Without returns the set with other removed
func (o MessageOption) Without(other MessageOption) MessageOption {
	return o &^ other
}

func (o MessageOption) String() string {
	if o == OptionNone {
		return "None"
	}
	var names []string
	for _, n := range optionNames {
		if o.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "Unknown"
	}
	return strings.Join(names, "|")
}
