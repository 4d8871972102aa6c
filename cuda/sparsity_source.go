package cuda

import (
	"fmt"
	"strings"
)

// SparsityLookupSource emits the sparsity-lookup function: given a partition
// position it yields a pointer to that position's ordered index list and its
// count. Positions without entries yield a null pointer and a zero count. The
// emitted table is consistent with the partition that also feeds the dispatch
// generator: same positions, same index order.
func SparsityLookupSource(function string, elements Partition) string {
	var code strings.Builder
	fmt.Fprintf(&code, "void %s(unsigned long pos, unsigned long const **elements, unsigned long *nnz) {\n", function)
	keys := elements.Keys()
	for _, pos := range keys {
		rows := elements[pos]
		entries := make([]string, len(rows))
		for e, i := range rows {
			entries[e] = fmt.Sprintf("%d", i)
		}
		fmt.Fprintf(&code, "   static unsigned long const elements%d[%d] = {%s};\n",
			pos, len(rows), strings.Join(entries, ","))
	}
	code.WriteString("   switch(pos) {\n")
	for _, pos := range keys {
		fmt.Fprintf(&code, "      case %d:\n", pos)
		fmt.Fprintf(&code, "         *elements = elements%d;\n", pos)
		fmt.Fprintf(&code, "         *nnz = %d;\n", len(elements[pos]))
		code.WriteString("         break;\n")
	}
	code.WriteString("      default:\n")
	code.WriteString("         *elements = 0;\n")
	code.WriteString("         *nnz = 0;\n")
	code.WriteString("         break;\n")
	code.WriteString("   };\n")
	code.WriteString("}\n")
	return code.String()
}
