package lv2

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lemonxah/zestbay/backend"
)

const (
	rdfType     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfsSeeAlso = "http://www.w3.org/2000/01/rdf-schema#seeAlso"
	doapName    = "http://usefulinc.com/ns/doap#name"
	doapMaint   = "http://usefulinc.com/ns/doap#maintainer"
	foafName    = "http://xmlns.com/foaf/0.1/name"

	lv2Core       = "http://lv2plug.in/ns/lv2core#"
	uriPlugin     = lv2Core + "Plugin"
	uriBinary     = lv2Core + "binary"
	uriPort       = lv2Core + "port"
	uriInputPort  = lv2Core + "InputPort"
	uriOutputPort = lv2Core + "OutputPort"
	uriAudioPort  = lv2Core + "AudioPort"
	uriCVPort     = lv2Core + "CVPort"
	uriCtrlPort   = lv2Core + "ControlPort"
	uriIndex      = lv2Core + "index"
	uriSymbol     = lv2Core + "symbol"
	uriName       = lv2Core + "name"
	uriDefault    = lv2Core + "default"
	uriMinimum    = lv2Core + "minimum"
	uriMaximum    = lv2Core + "maximum"

	uriAtomPort     = "http://lv2plug.in/ns/ext/atom#AtomPort"
	uriAtomSequence = "http://lv2plug.in/ns/ext/atom#Sequence"
	uriBufferType   = "http://lv2plug.in/ns/ext/atom#bufferType"
	uriMidiEvent    = "http://lv2plug.in/ns/ext/midi#MidiEvent"
	uriUI           = "http://lv2plug.in/ns/extensions/ui#ui"
)

// tripleSet indexes parsed statements by subject and predicate.
type tripleSet map[string]map[string][]string

func indexTriples(triples []triple) tripleSet {
	ts := tripleSet{}
	for _, t := range triples {
		m := ts[t.Subject]
		if m == nil {
			m = map[string][]string{}
			ts[t.Subject] = m
		}
		m[t.Predicate] = append(m[t.Predicate], t.Object)
	}
	return ts
}

func (ts tripleSet) first(subject, predicate string) string {
	if vals := ts[subject][predicate]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (ts tripleSet) hasType(subject, typeURI string) bool {
	for _, v := range ts[subject][rdfType] {
		if v == typeURI {
			return true
		}
	}
	return false
}

// parseBundle reads an LV2 bundle directory into descriptors. Everything
// here is static metadata; no plugin binary is touched.
func parseBundle(dir string) ([]backend.Descriptor, error) {
	base := "file://" + dir + "/"
	triples, err := parseBundleFile(filepath.Join(dir, "manifest.ttl"), base)
	if err != nil {
		return nil, err
	}
	ts := indexTriples(triples)

	// Pull in every rdfs:seeAlso data file referenced by a plugin subject.
	seen := map[string]bool{}
	for subj := range ts {
		if !ts.hasType(subj, uriPlugin) {
			continue
		}
		for _, ref := range ts[subj][rdfsSeeAlso] {
			path := fileFromIRI(ref)
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			more, err := parseBundleFile(path, base)
			if err != nil {
				return nil, err
			}
			triples = append(triples, more...)
		}
	}
	ts = indexTriples(triples)

	var out []backend.Descriptor
	for subj := range ts {
		if !ts.hasType(subj, uriPlugin) || strings.HasPrefix(subj, "_:") {
			continue
		}
		out = append(out, buildDescriptor(ts, subj, dir))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func parseBundleFile(path, base string) ([]triple, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	triples, err := parseTTL(string(data), base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return triples, nil
}

func buildDescriptor(ts tripleSet, subj, dir string) backend.Descriptor {
	desc := backend.Descriptor{
		Format:     backend.FormatLV2,
		URI:        subj,
		Name:       ts.first(subj, doapName),
		Category:   pluginCategory(ts, subj),
		Compatible: true,
		HasUI:      len(ts[subj][uriUI]) > 0,
		Path:       fileFromIRI(ts.first(subj, uriBinary)),
	}
	if desc.Name == "" {
		desc.Name = subj
	}
	if m := ts.first(subj, doapMaint); m != "" {
		desc.Author = ts.first(m, foafName)
	}
	if desc.Path == "" {
		desc.Compatible = false
	}

	ports := ts[subj][uriPort]
	infos := make([]backend.PortInfo, 0, len(ports))
	for _, pnode := range ports {
		pi, ok := buildPort(ts, pnode)
		if !ok {
			continue
		}
		infos = append(infos, pi)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	desc.Ports = infos
	for _, pi := range infos {
		switch {
		case pi.Kind == backend.PortAudio && pi.Direction == backend.PortInput:
			desc.AudioIn++
		case pi.Kind == backend.PortAudio && pi.Direction == backend.PortOutput:
			desc.AudioOut++
		case pi.Kind == backend.PortControl && pi.Direction == backend.PortInput:
			desc.ControlIn++
		case pi.Kind == backend.PortControl && pi.Direction == backend.PortOutput:
			desc.ControlOut++
		}
	}
	return desc
}

func buildPort(ts tripleSet, node string) (backend.PortInfo, bool) {
	pi := backend.PortInfo{
		Symbol: ts.first(node, uriSymbol),
		Name:   ts.first(node, uriName),
	}
	idx := ts.first(node, uriIndex)
	if idx == "" {
		return pi, false
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return pi, false
	}
	pi.Index = n
	if pi.Name == "" {
		pi.Name = pi.Symbol
	}

	switch {
	case ts.hasType(node, uriInputPort):
		pi.Direction = backend.PortInput
	case ts.hasType(node, uriOutputPort):
		pi.Direction = backend.PortOutput
	default:
		return pi, false
	}

	switch {
	case ts.hasType(node, uriAudioPort), ts.hasType(node, uriCVPort):
		pi.Kind = backend.PortAudio
	case ts.hasType(node, uriCtrlPort):
		pi.Kind = backend.PortControl
	case ts.hasType(node, uriAtomPort):
		pi.Kind = backend.PortEvent
		for _, bt := range ts[node][uriBufferType] {
			if bt == uriMidiEvent {
				pi.Midi = true
				break
			}
		}
	default:
		return pi, false
	}
	return pi, true
}

// pluginCategory picks the most specific plugin class as the category
// ("DelayPlugin" becomes "Delay").
func pluginCategory(ts tripleSet, subj string) string {
	for _, t := range ts[subj][rdfType] {
		if t == uriPlugin || !strings.HasPrefix(t, lv2Core) {
			continue
		}
		name := strings.TrimPrefix(t, lv2Core)
		return strings.TrimSuffix(name, "Plugin")
	}
	return ""
}

// fileFromIRI converts a file:// IRI used inside a bundle to a path.
func fileFromIRI(iri string) string {
	if iri == "" {
		return ""
	}
	return strings.TrimPrefix(iri, "file://")
}
