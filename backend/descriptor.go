package backend

// Format identifies a plugin binary format.
type Format string

const (
	FormatCLAP Format = "clap"
	FormatLV2  Format = "lv2"
	FormatVST3 Format = "vst3"
)

// PortKind classifies what a plugin port carries.
type PortKind string

const (
	PortAudio   PortKind = "audio"
	PortControl PortKind = "control"
	PortEvent   PortKind = "event"
)

// PortDirection indicates which way a plugin port faces.
type PortDirection int

const (
	PortInput PortDirection = iota
	PortOutput
)

// PortInfo describes one plugin port as reported during the catalog probe.
type PortInfo struct {
	Index     int           `json:"index"`
	Symbol    string        `json:"symbol"`
	Name      string        `json:"name"`
	Kind      PortKind      `json:"kind"`
	Direction PortDirection `json:"direction"`

	// Channel is the channel label for audio ports when the format reports
	// one ("FL", "FR", ...).
	Channel string `json:"channel,omitempty"`

	// Midi marks event ports that carry MIDI payloads; only those receive
	// host-sent events.
	Midi bool `json:"midi,omitempty"`
}

// Descriptor is an immutable catalog entry for one installed plugin.
type Descriptor struct {
	Format   Format     `json:"format"`
	URI      string     `json:"uri"`
	Name     string     `json:"name"`
	Category string     `json:"category,omitempty"`
	Author   string     `json:"author,omitempty"`
	Ports    []PortInfo `json:"ports,omitempty"`

	AudioIn    int `json:"audioIn"`
	AudioOut   int `json:"audioOut"`
	ControlIn  int `json:"controlIn"`
	ControlOut int `json:"controlOut"`

	Compatible bool   `json:"compatible"`
	HasUI      bool   `json:"hasUI"`
	Path       string `json:"path"`
}

// Descriptors is a collection of catalog entries with chainable filters.
type Descriptors []Descriptor

// ByFormat returns descriptors of a specific format.
func (ds Descriptors) ByFormat(format Format) Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.Format == format {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ByCategory returns descriptors of a specific category.
func (ds Descriptors) ByCategory(category string) Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.Category == category {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ByAuthor returns descriptors by a specific author.
func (ds Descriptors) ByAuthor(author string) Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.Author == author {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ByURI returns the descriptor with the given stable id, if present.
func (ds Descriptors) ByURI(uri string) (Descriptor, bool) {
	for _, d := range ds {
		if d.URI == uri {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Compatible returns only descriptors the host can instantiate.
func (ds Descriptors) Compatible() Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.Compatible {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// WithUI returns only descriptors exposing a native editor.
func (ds Descriptors) WithUI() Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.HasUI {
			filtered = append(filtered, d)
		}
	}
	return filtered
}
