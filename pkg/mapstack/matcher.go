package mapstack

import (
	"fmt"
	"strings"
)

// Source types accepted in a matcher.
const (
	// TypeConfig queries the config lookup (minion options, then pillar, then grains).
	TypeConfig = "C"

	// TypeGrain queries grains.
	TypeGrain = "G"

	// TypePillar queries pillar data.
	TypePillar = "I"

	// TypeFile selects a parameter file by the value of another lookup.
	TypeFile = "Y"
)

// OptionSub nests a lookup result under the last segment of its key.
const OptionSub = "SUB"

// DefaultDelimiter separates the segments of a lookup key.
const DefaultDelimiter = ":"

// Matcher is a parsed source definition of the form
// [TYPE[:OPTION[:DELIMITER]]@]KEY.
//
// For TypeFile matchers OPTION names the lookup type used to find the
// file name (Y:G@os_family reads the os_family grain and loads
// parameters/os_family/<value>). For the other types OPTION may be SUB.
type Matcher struct {
	Raw       string
	Type      string
	QueryType string
	Option    string
	Delimiter string
	Query     string
}

// ParseMatcher parses a source definition.
func ParseMatcher(s string) (Matcher, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Matcher{}, fmt.Errorf("empty source matcher")
	}

	m := Matcher{
		Raw:       raw,
		Type:      TypeConfig,
		Delimiter: DefaultDelimiter,
		Query:     raw,
	}

	prefix, query, found := strings.Cut(raw, "@")
	if !found {
		m.QueryType = TypeConfig
		return m, nil
	}
	if query == "" {
		return Matcher{}, fmt.Errorf("source matcher %q has no key", raw)
	}
	m.Query = query

	parts := strings.SplitN(prefix, ":", 3)
	if parts[0] != "" {
		m.Type = strings.ToUpper(parts[0])
	}
	if len(parts) > 1 {
		m.Option = strings.ToUpper(parts[1])
	}
	if len(parts) > 2 && parts[2] != "" {
		m.Delimiter = parts[2]
	}

	switch m.Type {
	case TypeFile:
		switch m.Option {
		case "":
			m.QueryType = TypeConfig
		case TypeConfig, TypeGrain, TypePillar:
			m.QueryType = m.Option
		default:
			return Matcher{}, fmt.Errorf("source matcher %q: invalid lookup type %q for parameter files", raw, m.Option)
		}
		m.Option = ""
	case TypeConfig, TypeGrain, TypePillar:
		if m.Option != "" && m.Option != OptionSub {
			return Matcher{}, fmt.Errorf("source matcher %q: unknown option %q", raw, m.Option)
		}
		m.QueryType = m.Type
	default:
		return Matcher{}, fmt.Errorf("source matcher %q: unknown type %q", raw, m.Type)
	}

	return m, nil
}

// ParseMatchers parses a list of source definitions in order.
func ParseMatchers(sources []string) ([]Matcher, error) {
	out := make([]Matcher, 0, len(sources))
	for _, s := range sources {
		m, err := ParseMatcher(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// String returns the canonical form of the matcher.
func (m Matcher) String() string {
	var b strings.Builder
	b.WriteString(m.Type)
	switch {
	case m.Type == TypeFile:
		b.WriteString(":")
		b.WriteString(m.QueryType)
	case m.Option != "":
		b.WriteString(":")
		b.WriteString(m.Option)
	}
	if m.Delimiter != DefaultDelimiter {
		if m.Type != TypeFile && m.Option == "" {
			b.WriteString(":")
		}
		b.WriteString(":")
		b.WriteString(m.Delimiter)
	}
	b.WriteString("@")
	b.WriteString(m.Query)
	return b.String()
}

// lastSegment returns the final segment of the query key.
func (m Matcher) lastSegment() string {
	parts := strings.Split(m.Query, m.Delimiter)
	return parts[len(parts)-1]
}

// DefaultSources returns the built-in source list for a topic, ordered from
// the most general to the most specific source.
func DefaultSources(topic string) []string {
	return []string{
		"Y:G@osarch",
		"Y:G@os_family",
		"Y:G@os",
		"Y:G@osfinger",
		"C:SUB@" + topic + ":lookup",
		"C@" + topic,
		"Y:G@id",
	}
}
