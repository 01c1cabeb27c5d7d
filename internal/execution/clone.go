package execution

// Clone returns a detached copy safe to hand to callers while the
// orchestrator keeps mutating the original.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	if len(e.Screenshots) > 0 {
		out.Screenshots = append([]string(nil), e.Screenshots...)
	}
	if len(e.Artifacts) > 0 {
		out.Artifacts = append([]string(nil), e.Artifacts...)
	}
	return &out
}
