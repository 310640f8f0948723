package taxonomy

// TeamFor routes a request type to its owning team. Unrecognized types go to
// the default team rather than failing.
func (t *Taxonomy) TeamFor(requestType string) string {
	if i, ok := t.byName[requestType]; ok {
		return t.types[i].Team
	}
	return t.defaultTeam
}

// DefaultTeam returns the fallback team for unrecognized request types.
func (t *Taxonomy) DefaultTeam() string {
	return t.defaultTeam
}
