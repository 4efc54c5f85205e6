// Package didcatalog holds the mapping from a DID number to the codec
// descriptor that decodes its payload, merged from a common catalog and a
// device-specific catalog. The on-disk catalog files themselves are an
// external collaborator's concern; this package owns only the merge,
// the writable-DID set, and the versioned structural-diff used to decide
// whether previously published values need to be re-decoded.
package didcatalog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// DidDescriptor names the codec a DID's raw payload must be run through.
type DidDescriptor struct {
	DidNumber   uint16         `yaml:"did"`
	SymbolicID  string         `yaml:"symbolicId"`
	DeclaredLen uint16         `yaml:"declaredLen"`
	CodecName   string         `yaml:"codec"`
	CodecArgs   map[string]any `yaml:"codecArgs,omitempty"`
}

// fingerprint hashes the part of a descriptor that changes its decoded
// shape. Two descriptors with the same fingerprint decode identically.
func (d DidDescriptor) fingerprint() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s:%d", d.CodecName, d.DeclaredLen)
	return h.Sum64()
}

// file is the on-disk shape of a single catalog YAML file.
type file struct {
	Version  string          `yaml:"version"`
	Dids     []DidDescriptor `yaml:"dids"`
	Writable []uint16        `yaml:"writable"`
}

// Catalog is the merged, queryable view over a common catalog and a
// device-specific catalog. Read-mostly: mutated only at load time and at
// well-defined catalog-update points (ApplyUpdate).
type Catalog struct {
	version   string
	byDid     map[uint16]DidDescriptor
	writable  map[uint16]struct{}
	// varLength lists DIDs known to carry variable-length payloads; these
	// are pre-deleted from published trees on a type-correction update to
	// avoid stale type conflicts (spec Design Notes, "Variable-length DIDs").
	varLength map[uint16]struct{}
}

// VariableLengthDids is the known fixed list referenced by spec Design
// Notes ("Variable-length DIDs") — DIDs whose payload length is not
// constant across firmware revisions, carried from the Viessmann E3
// common catalog's own flagged entries.
var VariableLengthDids = []uint16{0x0100, 0x01F8, 0x088E}

// Load reads and merges a common catalog file and an optional
// device-specific catalog file. Entries in device take precedence over
// entries in common when both declare the same DID number.
func Load(commonPath, devicePath string) (*Catalog, error) {
	commonFile, err := loadFile(commonPath)
	if err != nil {
		return nil, fmt.Errorf("load common catalog: %w", err)
	}
	c := &Catalog{
		version:   commonFile.Version,
		byDid:     make(map[uint16]DidDescriptor, len(commonFile.Dids)),
		writable:  make(map[uint16]struct{}),
		varLength: make(map[uint16]struct{}, len(VariableLengthDids)),
	}
	for _, did := range VariableLengthDids {
		c.varLength[did] = struct{}{}
	}
	c.merge(commonFile)

	if devicePath != "" {
		deviceFile, err := loadFile(devicePath)
		if err != nil {
			return nil, fmt.Errorf("load device catalog: %w", err)
		}
		if versionLess(c.version, deviceFile.Version) {
			c.version = deviceFile.Version
		}
		c.merge(deviceFile)
	}
	return c, nil
}

func loadFile(path string) (*file, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

func (c *Catalog) merge(f *file) {
	for _, d := range f.Dids {
		c.byDid[d.DidNumber] = d
	}
	for _, did := range f.Writable {
		c.writable[did] = struct{}{}
	}
}

// Lookup returns the descriptor for a DID, if the catalog carries one.
func (c *Catalog) Lookup(did uint16) (DidDescriptor, bool) {
	d, ok := c.byDid[did]
	return d, ok
}

// Writable reports whether a DID is authorized for WriteByDid.
func (c *Catalog) Writable(did uint16) bool {
	_, ok := c.writable[did]
	return ok
}

// IsVariableLength reports whether a DID is known to carry a
// variable-length payload across firmware revisions.
func (c *Catalog) IsVariableLength(did uint16) bool {
	_, ok := c.varLength[did]
	return ok
}

// Version returns the catalog's merged version string.
func (c *Catalog) Version() string { return c.version }

// Dids returns every DID number in ascending order, for deterministic
// iteration (e.g. startup schedules, diff reports).
func (c *Catalog) Dids() []uint16 {
	out := make([]uint16, 0, len(c.byDid))
	for did := range c.byDid {
		out = append(out, did)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DiffResult names the DIDs whose decoded shape changed between two
// catalog snapshots, per spec 4.4's structural diff.
type DiffResult struct {
	Changed []uint16
}

// StructuralDiff compares this catalog against a previously-stored one
// (e.g. loaded from the host's persisted catalog map) and reports which
// DIDs' (codecName, declaredLen) pair changed; a DID absent from stored
// is reported as changed too. Per spec 4.4, a changed
// DID requires deleting its previously-published tree nodes and
// re-publishing from stored raw bytes using the new codec.
func (c *Catalog) StructuralDiff(stored *Catalog) DiffResult {
	var changed []uint16
	for did, d := range c.byDid {
		old, ok := stored.byDid[did]
		if !ok || old.fingerprint() != d.fingerprint() {
			changed = append(changed, did)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return DiffResult{Changed: changed}
}

// versionLess compares two catalog version strings numerically,
// segment by segment (e.g. "1.9" < "1.10"), the way a dotted firmware
// version is conventionally compared. No semver library in the pack
// fits this single narrow comparison; see DESIGN.md.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

// VersionLess exports the comparison for callers deciding whether a
// shipped catalog is newer than a stored one (spec 4.4).
func VersionLess(a, b string) bool { return versionLess(a, b) }

// TypeCorrectionVersion is the known threshold below which a stored
// catalog's published tree leaves carry stale element types and must be
// re-published, per spec 4.4's "a known type-correction threshold".
// Fixed at the Viessmann E3 common catalog revision that first switched
// scaled_float leaves from string to numeric JSON values.
const TypeCorrectionVersion = "1.5"

// FromSnapshot reconstructs a minimal Catalog from a previously-persisted
// version and descriptor set, for StructuralDiff comparison against the
// shipped catalog on startup (spec 4.4). The writable set and
// variable-length list are irrelevant to a stored snapshot and left
// empty.
func FromSnapshot(version string, descriptors []DidDescriptor) *Catalog {
	c := &Catalog{
		version:  version,
		byDid:    make(map[uint16]DidDescriptor, len(descriptors)),
		writable: make(map[uint16]struct{}),
	}
	for _, d := range descriptors {
		c.byDid[d.DidNumber] = d
	}
	return c
}

// SanitizeSymbolicID replaces characters forbidden in a published key:
// '.' and any character not safe in a host key become '_' (spec 4.3).
func SanitizeSymbolicID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r == '.':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
