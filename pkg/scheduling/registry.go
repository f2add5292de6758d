package scheduling

// Registry is the explicit builder plugins register against, replacing a
// process-wide name table: NewRegistry().Register(...).Register(...).Build()
// produces a Framework owned by whichever scheduler instance built it.
type Registry struct {
	preFilters []PreFilter
	filters    []Filter
	scorers    []Scorer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin to the registry. A plugin may implement any
// combination of PreFilter, Filter and Scorer; it is added to every list
// it satisfies.
func (r *Registry) Register(plugin interface{}) *Registry {
	if p, ok := plugin.(PreFilter); ok {
		r.preFilters = append(r.preFilters, p)
	}
	if f, ok := plugin.(Filter); ok {
		r.filters = append(r.filters, f)
	}
	if s, ok := plugin.(Scorer); ok {
		r.scorers = append(r.scorers, s)
	}
	return r
}

// Build finalizes the registry into an immutable Framework.
func (r *Registry) Build() *Framework {
	return &Framework{
		preFilters: append([]PreFilter{}, r.preFilters...),
		filters:    append([]Filter{}, r.filters...),
		scorers:    append([]Scorer{}, r.scorers...),
	}
}
