package agent

// DefaultTerminatorTools are the tool names that end a run when invoked,
// used when no explicit set is configured.
var DefaultTerminatorTools = []string{"ask", "complete"}

// TerminatorSet answers whether a tool name terminates the run. The set is
// fixed at construction; runs snapshot it alongside the toolset.
type TerminatorSet struct {
	names map[string]struct{}
}

// NewTerminatorSet builds a set from the given names, falling back to
// DefaultTerminatorTools when the list is empty.
func NewTerminatorSet(names []string) *TerminatorSet {
	if len(names) == 0 {
		names = DefaultTerminatorTools
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return &TerminatorSet{names: set}
}

// IsTerminator reports whether invoking the named tool ends the run.
func (t *TerminatorSet) IsTerminator(name string) bool {
	_, ok := t.names[name]
	return ok
}
