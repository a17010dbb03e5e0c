package ot

// StepMap records how one step moved positions: the range [Start,
// Start+OldSize) was replaced by NewSize positions.
type StepMap struct {
	Start   int64
	OldSize int64
	NewSize int64
}

// MapResult carries a mapped position together with deletion information.
// Deleted means the position sat inside or against the replaced range;
// DeletedAcross means it was strictly inside and the surrounding content is
// gone on both sides.
type MapResult struct {
	Pos           int64
	Deleted       bool
	DeletedAcross bool
}

// MapResult maps pos through this step map. assoc determines which side the
// position sticks to when content is inserted exactly at it: negative stays
// before the insertion, positive moves after it.
func (m *StepMap) MapResult(pos int64, assoc int) MapResult {
	end := m.Start + m.OldSize

	if pos < m.Start {
		return MapResult{Pos: pos}
	}
	if pos > end {
		return MapResult{Pos: pos + m.NewSize - m.OldSize}
	}

	// pos within [Start, end]
	var out int64
	if assoc < 0 {
		out = m.Start
	} else {
		out = m.Start + m.NewSize
	}
	res := MapResult{Pos: out}

	switch {
	case pos > m.Start && pos < end:
		res.Deleted = true
		res.DeletedAcross = true
	case m.OldSize > 0 && ((pos == m.Start && assoc > 0) || (pos == end && assoc < 0)):
		res.Deleted = true
	}
	return res
}

// Map maps a position, dropping the deletion flags.
func (m *StepMap) Map(pos int64, assoc int) int64 {
	return m.MapResult(pos, assoc).Pos
}

// Mapping is an ordered composition of step maps. Mapping a position through
// it applies every component map in order, which is exactly the transform
// needed to rebase a step across the server history between two versions.
type Mapping struct {
	maps []*StepMap
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{}
}

// AppendMap adds a step map to the end of the composition.
func (m *Mapping) AppendMap(sm *StepMap) {
	m.maps = append(m.maps, sm)
}

// Len returns the number of composed maps.
func (m *Mapping) Len() int {
	return len(m.maps)
}

// MapResult maps pos through every component map in order. Deletion flags
// are sticky: once any component deletes the position, the result reports it.
func (m *Mapping) MapResult(pos int64, assoc int) MapResult {
	res := MapResult{Pos: pos}
	for _, sm := range m.maps {
		r := sm.MapResult(res.Pos, assoc)
		res.Pos = r.Pos
		res.Deleted = res.Deleted || r.Deleted
		res.DeletedAcross = res.DeletedAcross || r.DeletedAcross
	}
	return res
}

// Map maps a position through the whole composition.
func (m *Mapping) Map(pos int64, assoc int) int64 {
	return m.MapResult(pos, assoc).Pos
}

// MappingFromSteps composes the position maps of the given steps in order.
func MappingFromSteps(steps []Step) *Mapping {
	m := NewMapping()
	for _, s := range steps {
		m.AppendMap(s.PosMap())
	}
	return m
}
