package main

import "github.com/mohammed-shakir/oceanview/internal/cmd"

var Version = "dev"

func main() {
	cmd.Execute(Version)
}
