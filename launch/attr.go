package launch

// Attributes is the per-subgraph declaration of which entry arguments are
// mutable, as provided by the surrounding operator configuration system.
//
// A mutable argument is an input whose buffer also serves as an output: the
// compiled executable writes the result through the input buffer ("in-place
// update"), and the output appears in the return list under the rotated
// output name declared here.
type Attributes struct {
	// MutableArgs maps an entry tensor name to the output name it is rotated
	// to. Entries not present are regular read-only arguments.
	MutableArgs map[string]string
}

// IsMutableArg reports whether the entry with the given name was declared
// mutable.
func (a *Attributes) IsMutableArg(entryName string) bool {
	if a == nil {
		return false
	}
	_, found := a.MutableArgs[entryName]
	return found
}

// OutputArg returns the declared output name for a mutable entry. It returns
// the empty string for entries not declared mutable.
func (a *Attributes) OutputArg(entryName string) string {
	if a == nil {
		return ""
	}
	return a.MutableArgs[entryName]
}
