// Keel plans and provisions one hardened EC2 instance with restricted access.
package main

func main() {
	Execute()
}
