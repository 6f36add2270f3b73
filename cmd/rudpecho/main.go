// Command rudpecho runs an echo server on top of rudp sessions and a client that talks to it.
package main

func main() {
	Execute()
}
