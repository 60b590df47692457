// Command ax is the AX host: a security-first personal agent runtime.
package main

func main() {
	Execute()
}
