package launch

import (
	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/tensor"
)

// ResolveAliases resolves the declared mutable arguments of a launch unit
// into alias entries for the compiler.
//
// Entries are processed in entry-list order. For every entry declared mutable
// in attr, it appends the entry tensor to the extra return list, the declared
// output name to the extra name list, and an alias linking the new output slot
// to the entry's input slot. Output slot numbering continues from
// numExistingReturns, the count of return tensors already present.
//
// Entries not declared mutable are left untouched and produce no alias.
func ResolveAliases(attr *Attributes, entries []*tensor.Host, numExistingReturns int) (
	extraReturns []*tensor.Host, extraNames []string, aliases []backends.Alias) {
	for paramNumber, entry := range entries {
		if !attr.IsMutableArg(entry.Name()) {
			continue
		}
		aliases = append(aliases, backends.Alias{
			OutputIndex: numExistingReturns + len(extraReturns),
			ParamNumber: paramNumber,
		})
		extraReturns = append(extraReturns, entry)
		extraNames = append(extraNames, attr.OutputArg(entry.Name()))
	}
	return
}
