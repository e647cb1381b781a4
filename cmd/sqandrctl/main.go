package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dougsko/sqandr/pkg/client"
)

var (
	address   = flag.StringP("address", "a", "http://127.0.0.1:8080", "Daemon web API address")
	limit     = flag.IntP("limit", "n", 20, "Number of frames to fetch")
	direction = flag.StringP("direction", "d", "", "Frame direction filter (rx or tx)")
	jsonOut   = flag.Bool("json", false, "Print raw JSON")
	timeout   = flag.Duration("timeout", 5*time.Second, "Request timeout")
)

func main() {
	flag.Usage = showHelp
	flag.Parse()

	if flag.NArg() == 0 {
		showHelp()
		return
	}

	c := client.NewAPIClient(*address)
	c.SetTimeout(*timeout)

	if err := runCommand(c, strings.ToLower(flag.Arg(0))); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(c *client.APIClient, command string) error {
	switch command {
	case "status":
		status, err := c.GetStatus()
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(status)
		}
		fmt.Printf("Session:     %s\n", status.Session)
		fmt.Printf("Version:     %s\n", status.Version)
		fmt.Printf("Uptime:      %s\n", status.Uptime)
		fmt.Printf("Transport:   %s\n", status.Transport)
		fmt.Printf("Host:        %s\n", status.HostChannel)
		fmt.Printf("Header:      %d bits (sync gate %t, byte timing %t)\n", status.HeaderBits, status.SyncGate, status.ByteTiming)
		fmt.Printf("Cycles:      %d (last %.1f ms)\n", status.Cycles, status.LastCycleMillis)
		fmt.Printf("Locked:      %t (inverted %t)\n", status.Locked, status.SignalInverted)
		fmt.Printf("RX:          %d frames, %d bytes, %d dropped\n", status.RxFrames, status.RxBytes, status.RxDropped)
		fmt.Printf("Locks:       %d (%d inverted)\n", status.HeaderLocks, status.InvertedLocks)
		fmt.Printf("TX:          %d frames, %d bytes, %d truncated\n", status.TxFrames, status.TxBytes, status.TxTruncated)
		fmt.Printf("Heartbeats:  %d\n", status.Heartbeats)

	case "frames":
		frames, err := c.GetFrames(*limit, *direction)
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(frames)
		}
		for _, f := range frames {
			sync := " "
			if f.SyncFound {
				sync = "*"
			}
			fmt.Printf("%6d %s %s%s %4d %s\n", f.ID, f.Timestamp.Format(time.RFC3339), f.Direction, sync, f.Length, f.Hex)
		}
		fmt.Printf("%d frames\n", len(frames))

	case "stats":
		stats, err := c.GetFrameStats()
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(stats)
		}
		fmt.Printf("Frames:  %d (%d RX, %d TX)\n", stats.TotalFrames, stats.TotalRX, stats.TotalTX)
		fmt.Printf("Bytes:   %d\n", stats.TotalBytes)
		if !stats.LastCleanup.IsZero() {
			fmt.Printf("Cleanup: %s\n", stats.LastCleanup.Format(time.RFC3339))
		}

	case "signal":
		levels, err := c.GetSignal()
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(levels)
		}
		fmt.Printf("Samples:  %d\n", levels.Samples)
		fmt.Printf("Mean:     %.1f (stddev %.1f)\n", levels.Mean, levels.StdDev)
		fmt.Printf("RMS:      %.1f dBFS\n", levels.RMSLevel)
		fmt.Printf("Peak:     %d (%.1f dBFS)\n", levels.Peak, levels.PeakLevel)
		fmt.Printf("Clipping: %t\n", levels.Clipping)
		if len(levels.Spectrum) > 0 {
			fmt.Printf("Peak bin: %d of %d\n", levels.PeakBin, len(levels.Spectrum))
		}

	case "ping":
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println("ok")

	default:
		return fmt.Errorf("unknown command %q (try status, frames, stats, signal or ping)", command)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func showHelp() {
	fmt.Println("sqandrctl - sqandr daemon control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status    Link status and counters")
	fmt.Println("  frames    Recent frames from the frame log")
	fmt.Println("  stats     Frame log totals")
	fmt.Println("  signal    Latest receive signal levels")
	fmt.Println("  ping      Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s status\n", os.Args[0])
	fmt.Printf("  %s -n 5 -d rx frames\n", os.Args[0])
	fmt.Printf("  %s --json signal\n", os.Args[0])
}
