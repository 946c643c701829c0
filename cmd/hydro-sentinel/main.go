// Command hydro-sentinel scores hydropower generation readings for anomalies
// and publishes verdicts to MQTT.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sweeney/hydro-sentinel/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
