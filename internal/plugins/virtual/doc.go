// Package virtual provides the built-in "virtual" plugin.
//
// A virtual bridge exposes no real devices. It binds the bridge's TCP port,
// either the one fixed in the bridge block or one granted by the host, and
// reports an unpaired status together with the X-HM:// setup URI a
// controller would scan. It is what the bridge host runs when no external
// plugin is installed, and what the end-to-end tests drive.
//
// The package registers itself with worker.DefaultRegistry on import:
//
//	import _ "github.com/nerrad567/gray-logic-bridgehost/internal/plugins/virtual"
package virtual
