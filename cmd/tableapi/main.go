// Command tableapi serves PostgreSQL tables over HTTP and manages the bearer
// tokens that guard them.
package main

func main() {
	Main()
}
