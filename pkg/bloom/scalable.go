package bloom

// ScalableParams describes a scalable filter's initial static filter plus
// its growth behavior.
type ScalableParams struct {
	StaticParams
	// TighteningRatio scales the target error rate for each new sub-filter,
	// 0 < r < 1. Typical values are 0.8-0.9.
	TighteningRatio float64
	// ScalingFactor scales the capacity of each new sub-filter, must be > 1.
	ScalingFactor uint64
}

func DefaultScalableParams() ScalableParams {
	return ScalableParams{
		StaticParams:    DefaultStaticParams(),
		TighteningRatio: 0.9,
		ScalingFactor:   2,
	}
}

// Scalable maintains a growing ordered list of Static filters, adding a new
// one with geometrically adjusted capacity and error rate whenever the
// newest filter fills up. See Almeida et al., "Scalable Bloom Filters"
// (GLOBECOM 2007).
type Scalable struct {
	params  ScalableParams
	filters []*Static
}

func NewScalable(params ScalableParams) *Scalable {
	return &Scalable{
		params:  params,
		filters: []*Static{NewStatic(params.StaticParams)},
	}
}

func (s *Scalable) Capacity() uint64 {
	var c uint64
	for _, f := range s.filters {
		c += f.Params.Capacity
	}
	return c
}

func (s *Scalable) Count() uint64 {
	var c uint64
	for _, f := range s.filters {
		c += f.Count()
	}
	return c
}

// MightContain tests membership in every sub-filter, returning true on the
// first hit.
func (s *Scalable) MightContain(data []byte) bool {
	for _, f := range s.filters {
		if f.MightContain(data) {
			return true
		}
	}
	return false
}

// Insert adds data, returning true if it was already (probably) present. If
// the newest sub-filter is full, a new one is appended first, scaled by
// ScalingFactor and tightened by TighteningRatio.
func (s *Scalable) Insert(data []byte) bool {
	if s.MightContain(data) {
		return true
	}

	newest := s.filters[len(s.filters)-1]
	if !newest.Good() {
		newest = NewStatic(StaticParams{
			Capacity:        newest.Params.Capacity * s.params.ScalingFactor,
			TargetErrorRate: newest.Params.TargetErrorRate * s.params.TighteningRatio,
		})
		s.filters = append(s.filters, newest)
	}

	newest.InsertNew(data)
	return false
}
