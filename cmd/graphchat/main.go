// graphchat - tool-using chat assistant.
package main

import "github.com/ashureev/graphchat/internal/cli"

func main() {
	cli.Execute()
}
