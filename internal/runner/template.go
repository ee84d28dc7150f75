package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Slot identifies one of the substitution points of a runner template.
type Slot int

const (
	// SlotSource receives the source verbatim.
	SlotSource Slot = iota
	// SlotEncodedSource receives the source escaped to ASCII, wrapped in an
	// immediately-invoked function and encoded as a JSON string literal.
	SlotEncodedSource
	// SlotPolyfill receives the bundled JSON codec.
	SlotPolyfill
)

var slotMarkers = map[Slot]string{
	SlotSource:        "#{source}",
	SlotEncodedSource: "#{encoded_source}",
	SlotPolyfill:      "#{json2_source}",
}

func (s Slot) String() string {
	if m, ok := slotMarkers[s]; ok {
		return m
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

var (
	ErrDuplicateSlot = errors.New("runner template slot appears more than once")
	ErrMissingSource = errors.New("runner template has no source slot")
)

type segment struct {
	text string
	slot Slot
	fill bool
}

// Template is a parsed runner template. It is immutable and safe for
// concurrent use.
type Template struct {
	name     string
	segments []segment
	slots    map[Slot]bool
}

// Parse splits text into literal segments and slots. Each slot may appear at
// most once and at least one of the two source slots must be present.
func Parse(name, text string) (*Template, error) {
	t := &Template{name: name, slots: make(map[Slot]bool)}

	rest := text
	for {
		idx, slot := nextMarker(rest)
		if idx < 0 {
			break
		}
		if t.slots[slot] {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrDuplicateSlot, slot)
		}
		t.slots[slot] = true

		if idx > 0 {
			t.segments = append(t.segments, segment{text: rest[:idx]})
		}
		t.segments = append(t.segments, segment{slot: slot, fill: true})
		rest = rest[idx+len(slotMarkers[slot]):]
	}
	if rest != "" {
		t.segments = append(t.segments, segment{text: rest})
	}

	if !t.slots[SlotSource] && !t.slots[SlotEncodedSource] {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingSource)
	}
	return t, nil
}

// Load reads and parses a runner template from disk.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from runtime configuration
	if err != nil {
		return nil, fmt.Errorf("reading runner template: %w", err)
	}
	return Parse(filepath.Base(path), string(data))
}

func nextMarker(s string) (int, Slot) {
	best, bestSlot := -1, SlotSource
	for slot, marker := range slotMarkers {
		if i := strings.Index(s, marker); i >= 0 && (best < 0 || i < best) {
			best, bestSlot = i, slot
		}
	}
	return best, bestSlot
}

// Name returns the name the template was parsed under.
func (t *Template) Name() string { return t.name }

// Has reports whether the template contains slot.
func (t *Template) Has(slot Slot) bool { return t.slots[slot] }

// Compile fills every slot of the template and returns the script text.
// Inserted text is never rescanned for markers.
func (t *Template) Compile(source string) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if !seg.fill {
			b.WriteString(seg.text)
			continue
		}
		switch seg.slot {
		case SlotSource:
			b.WriteString(source)
		case SlotEncodedSource:
			b.WriteString(encodeSource(source))
		case SlotPolyfill:
			b.WriteString(Polyfill())
		}
	}
	return b.String()
}

func encodeSource(source string) string {
	wrapped := "(function(){ " + EncodeCodepoints(source) + " })()"
	return JSONString(wrapped)
}

// JSONString encodes s as a JSON string literal without HTML escaping.
func JSONString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// strings always encode
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
