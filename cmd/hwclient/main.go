// Command hwclient finds a measurement backend on the network and runs experiments on it.
package main

func main() {
	Execute()
}
