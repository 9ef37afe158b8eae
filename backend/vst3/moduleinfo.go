package vst3

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/lemonxah/zestbay/backend"
)

// moduleInfo mirrors the moduleinfo.json that VST3 bundles ship since SDK
// 3.7.2. When present it lets the scanner enumerate classes without loading
// the binary.
type moduleInfo struct {
	Name    string            `json:"Name"`
	Version string            `json:"Version"`
	Classes []moduleInfoClass `json:"Classes"`
}

type moduleInfoClass struct {
	CID           string   `json:"CID"`
	Category      string   `json:"Category"`
	Name          string   `json:"Name"`
	Vendor        string   `json:"Vendor"`
	SubCategories []string `json:"Sub Categories"`
}

const audioModuleCategory = "Audio Module Class"

// readModuleInfo loads the bundle's moduleinfo.json from either of the two
// locations the SDK uses.
func readModuleInfo(bundle string) (*moduleInfo, error) {
	for _, rel := range []string{
		filepath.Join("Contents", "moduleinfo.json"),
		filepath.Join("Contents", "Resources", "moduleinfo.json"),
	} {
		data, err := os.ReadFile(filepath.Join(bundle, rel))
		if err != nil {
			continue
		}
		var mi moduleInfo
		if err := json.Unmarshal(data, &mi); err != nil {
			return nil, err
		}
		return &mi, nil
	}
	return nil, os.ErrNotExist
}

// binaryPath locates the platform shared object inside a .vst3 bundle.
func binaryPath(bundle string) string {
	name := strings.TrimSuffix(filepath.Base(bundle), ".vst3")
	matches, _ := filepath.Glob(filepath.Join(bundle, "Contents", "*-linux", name+".so"))
	if len(matches) > 0 {
		return matches[0]
	}
	// macOS bundles keep the binary under Contents/MacOS without an
	// arch-suffixed directory.
	mac := filepath.Join(bundle, "Contents", "MacOS", name)
	if fi, err := os.Stat(mac); err == nil && !fi.IsDir() {
		return mac
	}
	// single-file bundles predate the directory layout
	if fi, err := os.Stat(bundle); err == nil && !fi.IsDir() {
		return bundle
	}
	return ""
}

// descriptorsFromInfo maps moduleinfo classes to catalog entries. Audio
// busses and parameters are unknown until introspection instantiates the
// class, so the counts stay zero here.
func descriptorsFromInfo(mi *moduleInfo, bundle, binary string) []backend.Descriptor {
	var out []backend.Descriptor
	for _, c := range mi.Classes {
		if c.Category != audioModuleCategory {
			continue
		}
		out = append(out, backend.Descriptor{
			Format:     backend.FormatVST3,
			URI:        c.CID,
			Name:       c.Name,
			Author:     c.Vendor,
			Category:   firstSubCategory(c.SubCategories),
			Compatible: binary != "",
			Path:       binary,
		})
	}
	return out
}

func firstSubCategory(subs []string) string {
	if len(subs) == 0 {
		return ""
	}
	// "Fx|Delay" style entries; the leaf is the useful part
	parts := strings.Split(subs[0], "|")
	return parts[len(parts)-1]
}
