/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "subaru/cmd"

func main() {
	cmd.Execute()
}
