// The newsdesk executable.
package main

import "github.com/JakeFAU/newsdesk/cmd"

func main() {
	cmd.Execute()
}
