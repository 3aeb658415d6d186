package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-fuse/internal/cache"
	"github.com/23skdu/longbow-fuse/internal/client"
	"github.com/23skdu/longbow-fuse/internal/device"
	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/passes"
)

var (
	inPath        = flag.String("in", "", "Graph document to optimize (CBOR, - for stdin)")
	outPath       = flag.String("out", "", "Write the optimized graph document here (CBOR, - for stdout)")
	dotPath       = flag.String("dot", "", "Write the optimized graph in Graphviz format")
	reportPath    = flag.String("report", "", "Write the rewrite report as an Arrow IPC stream (- for stdout)")
	passList      = flag.String("passes", "", "Comma separated passes to run, in order (default: all)")
	disableList   = flag.String("disable", "", "Comma separated passes to skip")
	listPasses    = flag.Bool("list-passes", false, "Print the built-in passes and exit")
	deviceName    = flag.String("device", "cpu", "Backend to compile for")
	maxIterations = flag.Int("max-iterations", 0, "Sweeps per pass before giving up on a fixed point (0: default)")
	maxDepth      = flag.Int("max-depth", 0, "Pattern recursion limit (0: default)")
	maxPermArity  = flag.Int("max-perm-arity", 0, "Largest commutative arity searched over all orders (0: default)")
	noPrune       = flag.Bool("no-prune", false, "Keep nodes that became unreachable after a rewrite")
	reverse       = flag.Bool("reverse", false, "Visit candidate roots in reverse topological order")
	serverAddr    = flag.String("server", "", "Longbow server address for rewrite reports (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "fuse_rewrites", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for the Flight report collector (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 1<<16, "Maximum number of graph nodes optimized concurrently")
	cacheSize     = flag.Int("cache-size", 256, "Optimize responses kept in the result cache (0 disables)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *listPasses {
		for _, name := range passes.Names() {
			fmt.Println(name)
		}
		return
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend, err := device.Create(*deviceName)
	if err != nil {
		log.Fatal().Err(err).Strs("available", device.RegisteredDevices()).Msg("Unknown device")
	}
	cfg := passConfig()

	var publisher ReportPublisher
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Connected to Flight Server")
		publisher = client.NewPublisher(fc, *datasetName, client.NewCircuitBreaker(5, 30*time.Second))
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
	}

	// Server modes
	if *listenAddr != "" {
		srv := NewServer(backend, cfg, publisher, cache.NewLRUCache(*cacheSize), *maxConcurrent)
		go startServer(*listenAddr, srv)
	}
	if *flightAddr != "" {
		go StartFlightServer(*flightAddr, NewReportCollector())
	}
	if *listenAddr != "" || *flightAddr != "" {
		select {}
	}

	if *inPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := optimizeFile(backend, cfg, publisher); err != nil {
		log.Fatal().Err(err).Msg("Optimize failed")
	}
}

func passConfig() device.PassConfig {
	cfg := device.DefaultPassConfig()
	if *passList != "" {
		cfg.Passes = splitList(*passList)
	}
	cfg.Disable = splitList(*disableList)
	if *maxIterations > 0 {
		cfg.Options.MaxIterations = *maxIterations
	}
	if *maxDepth > 0 {
		cfg.Options.MaxDepth = *maxDepth
	}
	if *maxPermArity > 0 {
		cfg.Options.MaxPermutationArity = *maxPermArity
	}
	cfg.Options.Prune = !*noPrune
	cfg.Options.Reverse = *reverse
	return cfg
}

func optimizeFile(backend device.Backend, cfg device.PassConfig, publisher ReportPublisher) error {
	data, err := readInput(*inPath)
	if err != nil {
		return err
	}
	g, err := graph.Unmarshal(data)
	if err != nil {
		return err
	}
	before := g.Len()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	exe, err := backend.Compile(ctx, g, cfg)
	if err != nil {
		return err
	}
	applied := 0
	for _, r := range exe.Reports() {
		applied += r.Applied()
		if err := r.Err(); err != nil {
			log.Warn().Err(err).Str("pass", r.Pass).Msg("Pass reported failures")
		}
	}
	log.Info().
		Str("graph", g.Name()).
		Int("nodes_before", before).
		Int("nodes_after", g.Len()).
		Int("applied", applied).
		Dur("elapsed", time.Since(start)).
		Msg("Optimized graph")

	if *outPath != "" {
		err := writeOutput(*outPath, func(w io.Writer) error {
			data, err := graph.Marshal(g)
			if err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		})
		if err != nil {
			return err
		}
	}
	if *dotPath != "" {
		if err := writeOutput(*dotPath, g.WriteDot); err != nil {
			return err
		}
	}

	if publisher != nil {
		if err := publisher.Publish(ctx, g.Name(), exe.Reports()); err != nil {
			return err
		}
		log.Info().Str("dataset", *datasetName).Msg("Sent rewrite report to Longbow")
	}
	if *reportPath != "" {
		rec, err := client.NewReportBuilder(memory.NewGoAllocator()).Build(g.Name(), exe.Reports())
		if err != nil {
			return err
		}
		if rec == nil {
			log.Info().Msg("No rewrites applied, report not written")
			return nil
		}
		defer rec.Release()
		return writeOutput(*reportPath, func(w io.Writer) error {
			return writeArrowStream(w, rec)
		})
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	return data, errors.Wrapf(err, "read %s", path)
}

func writeOutput(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("fuse"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
