package main

import (
	"os"

	"github.com/smazurov/forker/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
