package main

import (
	"os"

	"github.com/cyderes/job-import-service/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
