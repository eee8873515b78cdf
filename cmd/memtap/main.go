package main

import (
	"github.com/memtap/memtap/cmd/memtap/cmds"
)

func main() {
	cmds.New().Execute()
}
