package main

import (
	"os"

	"happystoic/overlaytest/pkg/driver"
	"happystoic/overlaytest/pkg/scenario"
)

func main() {
	os.Exit(driver.Main("regex announce/search", scenario.RunRegexPubSub))
}
