package mapstack

// Lookup resolves a delimited key path to a value.
type Lookup interface {
	Get(key, delimiter string) (any, bool)
}

// MapLookup serves lookups from a nested mapping.
type MapLookup map[string]any

// Get implements Lookup.
func (m MapLookup) Get(key, delimiter string) (any, bool) {
	val, ok := GetPath(map[string]any(m), key, delimiter)
	if !ok || val == nil {
		return nil, false
	}
	return val, true
}

// ChainLookup returns the first hit of its members.
type ChainLookup []Lookup

// Get implements Lookup.
func (c ChainLookup) Get(key, delimiter string) (any, bool) {
	for _, l := range c {
		if l == nil {
			continue
		}
		if val, ok := l.Get(key, delimiter); ok {
			return val, true
		}
	}
	return nil, false
}

// Lookups bundles the inputs queried by matchers.
type Lookups struct {
	// Options holds minion-style options consulted first by config lookups.
	Options Lookup
	Grains  Lookup
	Pillar  Lookup
}

// Config returns the config lookup: options, then pillar, then grains.
func (l Lookups) Config() Lookup {
	return ChainLookup{l.Options, l.Pillar, l.Grains}
}

// For returns the lookup used for a matcher query type.
func (l Lookups) For(queryType string) Lookup {
	switch queryType {
	case TypeGrain:
		return nilSafe(l.Grains)
	case TypePillar:
		return nilSafe(l.Pillar)
	default:
		return l.Config()
	}
}

func nilSafe(l Lookup) Lookup {
	if l == nil {
		return MapLookup(nil)
	}
	return l
}
