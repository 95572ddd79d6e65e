//go:build debug

package engine

import "VinoDetServer/runtime"

const debugBuild = true

func verbosity() map[string]string {
	return map[string]string{
		runtime.KeyLogLevel:             runtime.LogDebug,
		runtime.KeyPerfCount:            runtime.Yes,
		runtime.KeyDumpKernels:          runtime.Yes,
		runtime.KeyHeteroDumpGraphDot:   runtime.Yes,
		runtime.KeyHeteroDumpDLAMessage: runtime.Yes,
	}
}
