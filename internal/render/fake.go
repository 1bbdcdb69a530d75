package render

import "context"

// FakeRenderer is a hand-written test double: returns a canned result per
// templateID, or NextErr if set, mirroring the teacher's mock-repository
// error-override fields.
type FakeRenderer struct {
	Results map[string]Result
	NextErr error
	Calls   []string
}

func NewFakeRenderer() *FakeRenderer {
	return &FakeRenderer{Results: make(map[string]Result)}
}

func (f *FakeRenderer) Render(_ context.Context, _, templateID, _ string, _ map[string]any) (Result, error) {
	f.Calls = append(f.Calls, templateID)
	if f.NextErr != nil {
		return nil, f.NextErr
	}
	if res, ok := f.Results[templateID]; ok {
		return res, nil
	}
	return Result{"subject": "rendered", "body": "rendered"}, nil
}
