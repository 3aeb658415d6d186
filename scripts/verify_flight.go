//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-fuse/internal/client"
	"github.com/23skdu/longbow-fuse/internal/device"
	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/ops"
)

// Compiles a small dense layer and publishes its rewrite report to a running
// `fuse -flight` collector.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to fuse report collector")

	var fc *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		fc, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	pub := client.NewPublisher(fc, "fuse_verify", client.NewCircuitBreaker(3, time.Second))
	defer pub.Close()

	g := graph.New("verify")
	x := g.Parameter("x", graph.Float32, graph.ShapeOf(4, 8))
	w := g.Parameter("w", graph.Float32, graph.ShapeOf(8, 16))
	b := g.Parameter("b", graph.Float32, graph.ShapeOf(16))
	mm, err := ops.MatMul(g, x, w)
	if err != nil {
		log.Fatal().Err(err).Msg("MatMul")
	}
	sum, err := ops.Add(g, mm, b)
	if err != nil {
		log.Fatal().Err(err).Msg("Add")
	}
	act, err := ops.Gelu(g, sum)
	if err != nil {
		log.Fatal().Err(err).Msg("Gelu")
	}
	if err := g.SetResults(act); err != nil {
		log.Fatal().Err(err).Msg("SetResults")
	}

	exe, err := device.NewCPUBackend().Compile(context.Background(), g, device.DefaultPassConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Compile failed")
	}

	start := time.Now()
	if err := pub.Publish(context.Background(), g.Name(), exe.Reports()); err != nil {
		log.Fatal().Err(err).Msg("Publish failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("nodes", g.Len()).Msg("Report published")

	if g.Len() != 4 {
		log.Fatal().Int("nodes", g.Len()).Msg("Expected the layer to fuse into one node")
	}
	fmt.Println("VERIFICATION PASSED")
}
