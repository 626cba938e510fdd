// Package bridgeconfig reads the persisted bridges file.
//
// The bridges file is a JSON document with top-level "platforms" and
// "accessories" arrays. A block carrying a "_bridge" section is run in its
// own worker process as a child bridge:
//
//	{
//	  "bridge": {"name": "Main", "username": "0E:AA:BB:CC:DD:EE", "port": 51826},
//	  "ports": {"start": 52100, "end": 52150},
//	  "platforms": [
//	    {"platform": "Virtual", "name": "Lights", "_bridge": {"username": "0E:11:22:33:44:55", "pin": "031-45-154"}}
//	  ],
//	  "accessories": []
//	}
//
// Blocks are kept as raw JSON so fields this package does not know about
// reach the plugin untouched.
package bridgeconfig
