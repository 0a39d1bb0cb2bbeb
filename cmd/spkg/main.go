package main

import "spkg/internal/spkg"

func main() {
	spkg.Main()
}
