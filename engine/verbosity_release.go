//go:build !debug

package engine

import "VinoDetServer/runtime"

const debugBuild = false

func verbosity() map[string]string {
	return map[string]string{
		runtime.KeyLogLevel:             runtime.LogInfo,
		runtime.KeyHeteroDumpGraphDot:   runtime.Yes,
		runtime.KeyHeteroDumpDLAMessage: runtime.Yes,
	}
}
