package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/api/dto"
	"github.com/cuongbtq/parallax-avatar/internal/gridclient"
	"github.com/cuongbtq/parallax-avatar/internal/sse"
	"github.com/cuongbtq/parallax-avatar/shared/logger"
	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(ctx, os.Args[2:])
	case "preprocess":
		err = runPreprocess(ctx, os.Args[2:])
	case "mesh":
		err = runMesh(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "gridctl: %v\n", err)
		os.Exit(1)
	}
}

// common flags shared by every subcommand
type commonFlags struct {
	addr    string
	verbose bool
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	addr := os.Getenv("GRIDCTL_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	fs.StringVar(&f.addr, "addr", addr, "api-service base URL")
	fs.BoolVar(&f.verbose, "v", false, "Log requests to stderr")
}

func (f *commonFlags) client() (*gridclient.Client, error) {
	level := "warn"
	if f.verbose {
		level = "debug"
	}
	log, err := logger.New(&logger.Config{Level: level, Format: "console", Output: "stderr", TimeFormat: time.TimeOnly})
	if err != nil {
		return nil, err
	}
	return gridclient.New(gridclient.Options{BaseURL: f.addr, Logger: log.Logger}), nil
}

func runGenerate(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	common.register(fs)
	xSteps := fs.Int("x", 5, "Horizontal grid steps (1-30)")
	ySteps := fs.Int("y", 5, "Vertical grid steps (1-30)")
	prefix := fs.String("prefix", "avatar", "Frame filename prefix")
	outDir := fs.String("out", "frames", "Directory to write frames into")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gridctl generate [options] <photo>")
	}

	image, err := readImage(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	c, err := common.client()
	if err != nil {
		return err
	}

	req := dto.GenerateBatchRequest{ImageBase64: image, XSteps: xSteps, YSteps: ySteps, Prefix: *prefix}
	start := time.Now()

	var writeErr error
	set, err := c.GenerateBatch(ctx, req, func(m sse.Message) {
		switch m.Type {
		case sse.TypeConfig:
			fmt.Printf("Generating %d frames (%dx%d, prefix %q, est. $%.2f)\n",
				m.TotalImages, m.XSteps, m.YSteps, m.Prefix, m.EstimatedCost)
		case sse.TypeProgress:
			name := fmt.Sprintf("frame-%d", m.Index)
			if m.Step != nil {
				name = filepath.Base(m.Step.Filename)
			}
			if m.ImageBase64 == "" {
				fmt.Printf("[%d/%d] %s dropped\n", m.Completed, m.Total, name)
				return
			}
			data, err := m.Image()
			if err == nil {
				err = os.WriteFile(filepath.Join(*outDir, name), data, 0o644)
			}
			if err != nil && writeErr == nil {
				writeErr = fmt.Errorf("failed to write %s: %w", name, err)
			}
			fmt.Printf("[%d/%d] %s\n", m.Completed, m.Total, name)
		}
	})

	if set != nil && set.Total() > 0 {
		dropped := set.Dropped()
		fmt.Printf("Wrote %d/%d frames to %s in %s\n",
			set.Total()-len(dropped), set.Total(), *outDir, time.Since(start).Round(time.Second))
		if len(dropped) > 0 {
			fmt.Printf("Dropped frames: %v\n", dropped)
		}
	}
	if err != nil {
		return err
	}
	return writeErr
}

func runPreprocess(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("preprocess", flag.ExitOnError)
	common.register(fs)
	out := fs.String("out", "restyled.png", "Output file")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gridctl preprocess [options] <photo>")
	}

	image, err := readImage(fs.Arg(0))
	if err != nil {
		return err
	}
	c, err := common.client()
	if err != nil {
		return err
	}

	resp, err := c.Preprocess(ctx, image)
	if err != nil {
		return err
	}
	data, err := sse.Message{ImageBase64: resp.ImageBase64}.Image()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (cached: %t)\n", *out, resp.Cached)
	return nil
}

func runMesh(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("mesh", flag.ExitOnError)
	common.register(fs)
	out := fs.String("out", "avatar.glb", "Output file")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gridctl mesh [options] <photo>")
	}

	image, err := readImage(fs.Arg(0))
	if err != nil {
		return err
	}
	c, err := common.client()
	if err != nil {
		return err
	}

	data, err := c.Generate3D(ctx, image)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d bytes)\n", *out, len(data))
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	common.register(fs)
	status := fs.String("status", "", "Filter by status")
	cursor := fs.String("cursor", "", "Page cursor from a previous call")
	pageSize := fs.Int("n", 20, "Page size")
	fs.Parse(args)

	c, err := common.client()
	if err != nil {
		return err
	}

	page, err := c.ListHistory(ctx, *status, *cursor, *pageSize)
	if err != nil {
		return err
	}
	for _, b := range page.Batches {
		fmt.Printf("%s  %-9s  %dx%d  %d/%d ok  %s\n",
			b.BatchID, b.Status, b.XSteps, b.YSteps, b.CompletedFrames, b.TotalFrames, b.CreatedAt)
	}
	if page.NextCursor != "" {
		fmt.Printf("next cursor: %s\n", page.NextCursor)
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	common.register(fs)
	fs.Parse(args)

	c, err := common.client()
	if err != nil {
		return err
	}

	body, err := c.Health(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return err
	}
	if body["status"] != "healthy" {
		return fmt.Errorf("service is %v", body["status"])
	}
	return nil
}

func readImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read photo: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func printUsage() {
	fmt.Println(`gridctl - client for the parallax-avatar api-service

Usage:
  gridctl <command> [options]

Commands:
  generate <photo>    Stream a frame grid and write frames by filename
  preprocess <photo>  Restyle a photo
  mesh <photo>        Download a 3D model (avatar.glb)
  history             List stored batches
  health              Show service health

Common options:
  -addr <url>   api-service base URL (default $GRIDCTL_ADDR or http://localhost:8080)
  -v            Log requests to stderr

Examples:
  gridctl generate -x 5 -y 5 -out frames me.jpg
  gridctl history -status COMPLETED -n 10`)
}
