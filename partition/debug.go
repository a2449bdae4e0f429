package partition

import (
	"fmt"
	"os"
)

// Compile-time debug switch for allocator tracing.
const debugPart = false

// Runtime debug flag for allocator tracing - controlled by PARTKIT_LOG env var.
var logPart = os.Getenv("PARTKIT_LOG") != ""

func debugLogf(format string, args ...any) {
	if debugPart || logPart {
		fmt.Fprintf(os.Stderr, "[PART] "+format+"\n", args...)
	}
}
