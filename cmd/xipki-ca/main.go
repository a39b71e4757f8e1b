package main

import "github.com/coolhoo/xipki/cmd/xipki-ca/cmd"

func main() {
	cmd.Execute()
}
