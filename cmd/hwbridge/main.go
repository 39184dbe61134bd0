// Command hwbridge exposes a serial-attached microcontroller to the network through the
// same WebSocket protocol the desktop measurement backend speaks.
package main

func main() {
	Execute()
}
