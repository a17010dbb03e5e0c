package ot

import (
	"encoding/json"
	"fmt"
)

// Step is an atomic document transformation. Application is total-or-fail:
// either a new document is produced or the document is untouched and an
// error explains why.
type Step interface {
	// Apply transforms doc into a new document without mutating doc.
	Apply(schema *Schema, doc *Node) (*Node, error)
	// PosMap describes how this step moves positions.
	PosMap() *StepMap
	// Map transforms the step through intervening edits. It returns nil when
	// the step's range was deleted across and nothing remains to apply.
	Map(m *Mapping) Step
	// ToJSON renders the wire form, {"stepType": ..., ...}.
	ToJSON() (json.RawMessage, error)
}

// Slice is the inserted content of a replace step.
type Slice struct {
	Content []*Node `json:"content,omitempty"`
}

func (s Slice) text() string {
	var out string
	for _, n := range s.Content {
		out += textOf(n)
	}
	return out
}

// ReplaceStep replaces the range [From, To) with the slice content.
type ReplaceStep struct {
	From  int64
	To    int64
	Slice Slice
}

type replaceStepJSON struct {
	StepType string `json:"stepType"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Slice    *Slice `json:"slice,omitempty"`
}

const stepTypeReplace = "replace"

// NewReplaceStep builds a replace step inserting text at [from, to).
func NewReplaceStep(from, to int64, text string) *ReplaceStep {
	s := &ReplaceStep{From: from, To: to}
	if text != "" {
		s.Slice = Slice{Content: []*Node{{Type: "text", Text: text}}}
	}
	return s
}

// Apply replaces the step's range in the document text. Any range outside
// the current document aborts with an error and leaves doc untouched.
func (s *ReplaceStep) Apply(schema *Schema, doc *Node) (*Node, error) {
	text := []rune(textOf(doc))
	size := int64(len(text))

	if s.From < 0 || s.From > s.To {
		return nil, fmt.Errorf("ot: invalid range [%d, %d)", s.From, s.To)
	}
	if s.To > size {
		return nil, fmt.Errorf("ot: range [%d, %d) outside document of size %d", s.From, s.To, size)
	}

	next := string(text[:s.From]) + s.Slice.text() + string(text[s.To:])
	return schema.docWithText(next), nil
}

// PosMap reports the replaced range and the size of the inserted content.
func (s *ReplaceStep) PosMap() *StepMap {
	return &StepMap{
		Start:   s.From,
		OldSize: s.To - s.From,
		NewSize: int64(len([]rune(s.Slice.text()))),
	}
}

// Map rebases the step through intervening edits. The start of the range
// leans forward, the end leans backward, mirroring how a user's intent
// shrinks when surrounding content is deleted. A step whose entire range was
// deleted across maps to nil, as does an empty replacement whose range
// collapsed.
func (s *ReplaceStep) Map(m *Mapping) Step {
	from := m.MapResult(s.From, 1)
	to := m.MapResult(s.To, -1)

	if from.DeletedAcross && to.DeletedAcross {
		return nil
	}

	end := to.Pos
	if from.Pos > end {
		end = from.Pos
	}
	if from.Pos == end && s.Slice.text() == "" {
		return nil
	}

	return &ReplaceStep{From: from.Pos, To: end, Slice: s.Slice}
}

// ToJSON renders the wire form of the step.
func (s *ReplaceStep) ToJSON() (json.RawMessage, error) {
	out := replaceStepJSON{
		StepType: stepTypeReplace,
		From:     s.From,
		To:       s.To,
	}
	if len(s.Slice.Content) > 0 {
		out.Slice = &s.Slice
	}
	return json.Marshal(out)
}

// StepFromJSON deserializes a step against the schema. Unknown step types
// are an error; the caller decides whether that aborts a batch or a rebase.
func StepFromJSON(schema *Schema, raw json.RawMessage) (Step, error) {
	var head struct {
		StepType string `json:"stepType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("ot: malformed step: %w", err)
	}

	switch head.StepType {
	case stepTypeReplace:
		var body replaceStepJSON
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("ot: malformed replace step: %w", err)
		}
		step := &ReplaceStep{From: body.From, To: body.To}
		if body.Slice != nil {
			step.Slice = *body.Slice
		}
		return step, nil
	default:
		return nil, fmt.Errorf("ot: unknown step type %q", head.StepType)
	}
}
