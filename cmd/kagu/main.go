// Command kagu runs a voice and chat node: a relay server or an interactive
// client.
package main

func main() {
	Execute()
}
