package main

import "github.com/itohio/gostim/cmd/stimctl/cmd"

func main() {
	cmd.Execute()
}
