package cuda

import (
	"fmt"
	"strings"
)

// DirectionalFunctionSource emits the dispatch function routing a partition
// position to its generated per-position device function. Positions present
// in the partition return 0 after invoking "<function>_<indexSuffix><pos>";
// any other position is a caller error surfaced as status 1, with no writes
// to the output buffer. indexSuffix is "indep" for forward sweeps and "dep"
// for reverse sweeps.
func DirectionalFunctionSource(function, indexSuffix string, elements Partition) string {
	var code strings.Builder
	funTitle := "int " + function + "("
	indent := strings.Repeat(" ", len(funTitle))
	code.WriteString("__device__\n")
	code.WriteString(funTitle + "unsigned long pos,\n")
	code.WriteString(indent + "Float *const *out,\n")
	code.WriteString(indent + "Float const *const *in) {\n")
	code.WriteString("  switch(pos) {\n")
	for _, pos := range elements.Keys() {
		fmt.Fprintf(&code, "    case %d:\n", pos)
		fmt.Fprintf(&code, "      %s_%s%d(out, in);\n", function, indexSuffix, pos)
		code.WriteString("      return 0; // done\n")
	}
	code.WriteString("    default:\n")
	code.WriteString("      return 1; // error\n")
	code.WriteString("  };\n")
	code.WriteString("}\n")
	return code.String()
}
