// Sweep - cloud inventory scan orchestrator
// Launch. Drain. Store.
package main

func main() {
	Execute()
}
