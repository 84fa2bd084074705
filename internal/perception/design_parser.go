package perception

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"scadsmith/internal/logging"
	"scadsmith/internal/types"
)

// =============================================================================
// DESIGN RESPONSE GRAMMAR
// =============================================================================
//
// A model response carries:
//
//	<code>
//	...openscad source...
//	</code>
//	<views>
//	{"name": "front", "angle": [0, 0, 0], "distance": 200}
//	name=top angle=(0 90 0)
//	- name: hero
//	  angle: [30, 20, 0]
//	</views>
//	<changes>optional summary of what changed</changes>
//
// Markers are case-insensitive. The <views> tags are optional: a "views:"
// heading, or failing that everything after the code block, is scanned instead.
// Each brace-balanced object is one entry, a YAML list item with indented
// continuation lines is one entry, and every other non-blank line is its own
// entry.
// DesignSystemPrompt documents the same grammar to the model.

const (
	// MinViews is the fewest parsed views accepted before defaults take over.
	MinViews = 3

	// DefaultViewDistance is used for entries that omit a distance.
	DefaultViewDistance = 200.0
)

// ErrMissingCodeBlock is returned when the response has no code markers or the
// block between them is empty.
var ErrMissingCodeBlock = errors.New("response has no <code>...</code> block")

// DefaultViews returns the canonical view set used when a response declares
// fewer than MinViews valid views.
func DefaultViews() []types.ViewSpec {
	return []types.ViewSpec{
		{Name: "front", Angle: [3]float64{0, 0, 0}, Distance: DefaultViewDistance},
		{Name: "top", Angle: [3]float64{0, 90, 0}, Distance: DefaultViewDistance},
		{Name: "iso", Angle: [3]float64{45, 35.26, 0}, Distance: DefaultViewDistance},
	}
}

// ViewWarning describes a view entry that was skipped.
type ViewWarning struct {
	Entry  int    // 1-based position among candidate entries
	Text   string // raw entry text, truncated
	Reason string
}

func (w ViewWarning) String() string {
	return fmt.Sprintf("view entry %d skipped (%s): %s", w.Entry, w.Reason, w.Text)
}

// ParseResult is the outcome of parsing one model response.
type ParseResult struct {
	Design       types.Design
	Warnings     []ViewWarning
	UsedDefaults bool
}

var (
	codeBlockRe   = regexp.MustCompile(`(?is)<code>(.*?)</code>`)
	fenceRe       = regexp.MustCompile("(?s)^```[A-Za-z0-9_+-]*[ \t]*\n?(.*?)\n?```$")
	viewsTagRe    = regexp.MustCompile(`(?is)<views>(.*?)(?:</views>|$)`)
	viewsHeadRe   = regexp.MustCompile(`(?im)^[ \t#*>_-]*views[ \t*_]*:`)
	changesTagRe  = regexp.MustCompile(`(?is)<changes>(.*?)</changes>`)
	changesLineRe = regexp.MustCompile(`(?im)^[ \t#*>_-]*changes[ \t*_]*:[ \t]*(.+)$`)
	yamlItemRe    = regexp.MustCompile(`^([ \t]*)-[ \t]+["']?\w+["']?[ \t]*:`)
)

// viewSyntaxes are the field matchers applied to each entry. Keys may be bare
// or quoted and separated from values by ':' or '='.
var viewSyntaxes = struct {
	name, angle, distance, anyKey *regexp.Regexp
}{
	name:     regexp.MustCompile(`(?i)\bname\b["']?\s*[:=]\s*(?:"([^"]*)"|'([^']*)'|([^\s,;{}\[\]()"']+))`),
	angle:    regexp.MustCompile(`(?i)\bangles?\b["']?\s*[:=]\s*(?:([\[(])([^\])]*)[\])]|(\S+))`),
	distance: regexp.MustCompile(`(?i)\b(?:distance|dist)\b["']?\s*[:=]\s*["']?([^\s,;{}\[\]()"']+)`),
	anyKey:   regexp.MustCompile(`(?i)\b(?:name|angles?|distance|dist)\b["']?\s*[:=]`),
}

var angleSepRe = regexp.MustCompile(`[\s,]+`)

// entryRule validates one aspect of a candidate view. A non-empty reason
// rejects the entry.
type entryRule func(v types.ViewSpec, seen map[string]bool) string

var entryRules = []entryRule{
	func(v types.ViewSpec, _ map[string]bool) string {
		if v.Name == "" {
			return "empty name"
		}
		return ""
	},
	func(v types.ViewSpec, _ map[string]bool) string {
		if err := v.Validate(); err != nil {
			return err.Error()
		}
		return ""
	},
	func(v types.ViewSpec, seen map[string]bool) string {
		if seen[v.Name] {
			return "duplicate view name"
		}
		return ""
	},
}

// DesignParser turns raw model output into a validated Design.
type DesignParser struct {
	minViews        int
	defaultDistance float64
}

// NewDesignParser creates a parser with the standard thresholds.
func NewDesignParser() *DesignParser {
	return &DesignParser{
		minViews:        MinViews,
		defaultDistance: DefaultViewDistance,
	}
}

// ParseDesign parses raw with a default parser and returns only the Design.
func ParseDesign(raw string) (types.Design, error) {
	res, err := NewDesignParser().Parse(raw)
	if err != nil {
		return types.Design{}, err
	}
	return res.Design, nil
}

// Parse extracts the code block and views from raw. Only a missing or empty
// code block is an error; malformed view entries are skipped with a warning
// and too few views fall back to DefaultViews.
func (p *DesignParser) Parse(raw string) (*ParseResult, error) {
	loc := codeBlockRe.FindStringSubmatchIndex(raw)
	if loc == nil {
		logging.PerceptionWarn("design response has no code block (len=%d)", len(raw))
		return nil, ErrMissingCodeBlock
	}

	code := stripFence(strings.TrimSpace(raw[loc[2]:loc[3]]))
	if code == "" {
		logging.PerceptionWarn("design response has an empty code block")
		return nil, ErrMissingCodeBlock
	}

	summary, trailing := extractChanges(raw[loc[1]:])
	if summary == "" {
		summary, _ = extractChanges(raw[:loc[0]])
	}

	res := &ParseResult{}
	views := p.parseViews(viewsSection(trailing), &res.Warnings)
	for _, w := range res.Warnings {
		logging.PerceptionWarn("%s", w)
	}

	if len(views) < p.minViews {
		logging.Perception("only %d valid views parsed (min %d); using default view set", len(views), p.minViews)
		views = DefaultViews()
		res.UsedDefaults = true
	}

	res.Design = types.Design{
		Code:           code,
		Views:          views,
		ChangesSummary: summary,
	}
	logging.PerceptionDebug("parsed design: code_len=%d views=%v defaults=%v warnings=%d",
		len(code), res.Design.ViewNames(), res.UsedDefaults, len(res.Warnings))
	return res, nil
}

func stripFence(code string) string {
	if m := fenceRe.FindStringSubmatch(code); m != nil {
		return strings.TrimSpace(m[1])
	}
	return code
}

// extractChanges pulls an optional changes summary out of the text following
// the code block and returns the remaining text.
func extractChanges(text string) (string, string) {
	if m := changesTagRe.FindStringSubmatchIndex(text); m != nil {
		summary := strings.TrimSpace(text[m[2]:m[3]])
		return summary, text[:m[0]] + text[m[1]:]
	}
	if m := changesLineRe.FindStringSubmatchIndex(text); m != nil {
		summary := strings.TrimSpace(text[m[2]:m[3]])
		return summary, text[:m[0]] + text[m[1]:]
	}
	return "", text
}

func viewsSection(trailing string) string {
	if m := viewsTagRe.FindStringSubmatch(trailing); m != nil {
		return m[1]
	}
	if loc := viewsHeadRe.FindStringIndex(trailing); loc != nil {
		return trailing[loc[1]:]
	}
	return trailing
}

type entryKind int

const (
	entryLine entryKind = iota
	entryObject
	entryYAML
)

type rawEntry struct {
	text string
	kind entryKind
}

// splitEntries breaks a views section into candidate entries in order.
func splitEntries(section string) []rawEntry {
	var entries []rawEntry
	var line strings.Builder
	flush := func() {
		if strings.TrimSpace(line.String()) != "" {
			entries = append(entries, rawEntry{text: line.String()})
		}
		line.Reset()
	}

	for i := 0; i < len(section); i++ {
		switch c := section[i]; c {
		case '{':
			if end := closingBrace(section, i); end > 0 {
				flush()
				entries = append(entries, rawEntry{text: section[i:end], kind: entryObject})
				i = end - 1
				continue
			}
			line.WriteByte(c)
		case '\n':
			flush()
		default:
			line.WriteByte(c)
		}
	}
	flush()
	return groupYAMLItems(entries)
}

// closingBrace returns the index just past the brace matching section[open],
// or -1 when it is unbalanced. Braces inside double-quoted strings are ignored.
func closingBrace(section string, open int) int {
	depth := 0
	inString := false
	for i := open; i < len(section); i++ {
		c := section[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// groupYAMLItems folds the indented continuation lines of a "- key: value"
// list item into that item.
func groupYAMLItems(entries []rawEntry) []rawEntry {
	out := make([]rawEntry, 0, len(entries))
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		m := yamlItemRe.FindStringSubmatch(e.text)
		if e.kind != entryLine || m == nil {
			out = append(out, e)
			continue
		}
		indent := len(m[1])
		lines := []string{e.text[indent:]}
		for i+1 < len(entries) && entries[i+1].kind == entryLine && indentOf(entries[i+1].text) > indent {
			i++
			lines = append(lines, entries[i].text[indent:])
		}
		if len(lines) > 1 {
			e = rawEntry{text: strings.Join(lines, "\n"), kind: entryYAML}
		}
		out = append(out, e)
	}
	return out
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// entryFields is the structured form of a view entry. Unknown keys are ignored.
type entryFields struct {
	Name     *string   `json:"name" yaml:"name"`
	Angle    []float64 `json:"angle" yaml:"angle"`
	Angles   []float64 `json:"angles" yaml:"angles"`
	Distance *float64  `json:"distance" yaml:"distance"`
	Dist     *float64  `json:"dist" yaml:"dist"`
}

// decodeEntry decodes object entries as JSON and multi-line list items as
// YAML. ok is false when the entry is not in that form, and the field
// matchers take over.
func decodeEntry(e rawEntry) (entryFields, bool) {
	var f entryFields
	switch e.kind {
	case entryObject:
		if err := json.Unmarshal([]byte(e.text), &f); err != nil {
			return f, false
		}
		return f, true
	case entryYAML:
		var items []entryFields
		if err := yaml.Unmarshal([]byte(e.text), &items); err != nil || len(items) != 1 {
			return f, false
		}
		return items[0], true
	}
	return f, false
}

func (p *DesignParser) fieldsToView(f entryFields) (types.ViewSpec, string) {
	var view types.ViewSpec
	if f.Name == nil {
		return view, "missing name"
	}
	view.Name = types.NormalizeViewName(*f.Name)

	angle := f.Angle
	if angle == nil {
		angle = f.Angles
	}
	if angle == nil {
		return view, "missing angle"
	}
	if len(angle) != 3 {
		return view, fmt.Sprintf("angle has %d components, want 3", len(angle))
	}
	copy(view.Angle[:], angle)

	view.Distance = p.defaultDistance
	if f.Distance != nil {
		view.Distance = *f.Distance
	} else if f.Dist != nil {
		view.Distance = *f.Dist
	}
	return view, ""
}

func (p *DesignParser) parseViews(section string, warnings *[]ViewWarning) []types.ViewSpec {
	var views []types.ViewSpec
	seen := make(map[string]bool)

	n := 0
	for _, entry := range splitEntries(section) {
		// Prose lines that mention no view field are not entries.
		if !viewSyntaxes.anyKey.MatchString(entry.text) {
			continue
		}
		n++

		var view types.ViewSpec
		var reason string
		if f, ok := decodeEntry(entry); ok {
			view, reason = p.fieldsToView(f)
		} else {
			view, reason = p.parseEntry(entry.text)
		}
		if reason == "" {
			for _, rule := range entryRules {
				if reason = rule(view, seen); reason != "" {
					break
				}
			}
		}
		if reason != "" {
			*warnings = append(*warnings, ViewWarning{Entry: n, Text: truncate(strings.TrimSpace(entry.text), 120), Reason: reason})
			continue
		}

		seen[view.Name] = true
		views = append(views, view)
	}
	return views
}

func (p *DesignParser) parseEntry(entry string) (types.ViewSpec, string) {
	var view types.ViewSpec

	m := viewSyntaxes.name.FindStringSubmatch(entry)
	if m == nil {
		return view, "missing name"
	}
	view.Name = types.NormalizeViewName(m[1] + m[2] + m[3])

	am := viewSyntaxes.angle.FindStringSubmatch(entry)
	if am == nil {
		return view, "missing angle"
	}
	if am[1] == "" {
		return view, "angle is not a bracketed list"
	}
	angle, reason := parseAngle(am[2])
	if reason != "" {
		return view, reason
	}
	view.Angle = angle

	view.Distance = p.defaultDistance
	if dm := viewSyntaxes.distance.FindStringSubmatch(entry); dm != nil {
		d, err := strconv.ParseFloat(dm[1], 64)
		if err != nil {
			return view, fmt.Sprintf("distance %q is not a number", dm[1])
		}
		view.Distance = d
	}
	return view, ""
}

func parseAngle(inner string) ([3]float64, string) {
	var out [3]float64
	fields := angleSepRe.Split(strings.TrimSpace(inner), -1)
	if len(fields) == 1 && fields[0] == "" {
		fields = nil
	}
	if len(fields) != 3 {
		return out, fmt.Sprintf("angle has %d components, want 3", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return out, fmt.Sprintf("angle component %q is not a number", f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, fmt.Sprintf("angle component %q is not finite", f)
		}
		out[i] = v
	}
	return out, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
