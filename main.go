package main

import "github.com/softpython2884/The-new-MEE6-sub000/cmd"

func main() {
	cmd.Execute()
}
