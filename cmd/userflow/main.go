// Command userflow streams user records from a topic into a SQL table and
// mirrors them to the console.
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:]))
}
