package engine

// Scope restricts a run to one collection, or one project within a
// collection. The zero value covers everything.
type Scope struct {
	Collection string
	Project    string
}

// IsAll reports whether the scope places no restriction.
func (s Scope) IsAll() bool { return s.Collection == "" }

// Matches reports whether a collection/project pair falls inside the scope.
func (s Scope) Matches(collection, project string) bool {
	if s.Collection == "" {
		return true
	}
	if collection != s.Collection {
		return false
	}
	return s.Project == "" || project == s.Project
}

// String renders the scope for reports and run logs.
func (s Scope) String() string {
	switch {
	case s.Collection == "":
		return "all collections"
	case s.Project == "":
		return s.Collection
	default:
		return s.Collection + "/" + s.Project
	}
}
