// Command streamforge runs the streaming ingestion engine and the daily
// transaction loader.
package main

func main() {
	Execute()
}
