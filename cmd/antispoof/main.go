package main

import "github.com/dj-oyu/antispoof-monitor/internal/cli"

func main() {
	cli.Execute()
}
