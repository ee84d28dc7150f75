// Command execjs-goja runs a JavaScript file with the embedded goja
// interpreter. It is a drop-in external runtime for hosts without Node.js.
package main

import (
	"os"

	"execjs-bridge/internal/gojart"
)

func main() {
	os.Exit(gojart.Main(os.Args[1:]))
}
